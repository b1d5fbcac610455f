package presence

import (
	"encoding/json"
	"fmt"
)

// 服务端推送给客户端的事件名
const (
	EventReceiveMessage      = "receiveMessage"
	EventUpdateUnreadCount   = "updateUnreadCount"
	EventConversationDeleted = "conversationDeleted"
	EventError               = "error"
)

// Event 一帧推送：{"event": "...", "data": {...}}
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent 序列化 payload 构造事件
func NewEvent(name string, payload interface{}) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("presence: marshal %s: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// Decode 把 Data 解到 v
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("presence: event %s has no data", e.Name)
	}
	return json.Unmarshal(e.Data, v)
}

// Envelope 跨进程转发的外层结构，Origin 用来丢弃自己发出去的回环消息
type Envelope struct {
	Origin string `json:"origin"`
	Group  string `json:"group"`
	Event  Event  `json:"event"`
}
