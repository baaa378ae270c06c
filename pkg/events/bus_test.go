package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishReachesAllTopicSubscribers(t *testing.T) {
	b := NewBus()
	var got []interface{}
	b.Subscribe("a", func(_ string, p interface{}) { got = append(got, p) })
	b.Subscribe("a", func(_ string, p interface{}) { got = append(got, p) })
	b.Subscribe("b", func(_ string, p interface{}) { t.Fatal("wrong topic delivered") })

	b.Publish("a", 42)
	assert.Equal(t, []interface{}{42, 42}, got)
}

func TestBus_PublishWithoutSubscribersIsHarmless(t *testing.T) {
	b := NewBus()
	b.Publish("nobody", "x")
}
