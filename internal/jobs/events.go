package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType は購読者へ配信するイベントの種類です。
type EventType string

const (
	EventQueueUpdate EventType = "queue_update"
	EventJobComplete EventType = "job_complete"
	EventKeepalive   EventType = "keepalive"
)

// DefaultKeepalive は購読者が無通信のときに keepalive を送るまでの時間です。
const DefaultKeepalive = 30 * time.Second

// Event は購読者へ配信される1件のイベントです。
type Event struct {
	Type  EventType
	Queue []QueueItem
	JobID string
}

// MarshalJSON は種類ごとに必要なフィールドだけを出力します。
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventQueueUpdate:
		queue := e.Queue
		if queue == nil {
			queue = []QueueItem{}
		}
		return json.Marshal(struct {
			Type  EventType   `json:"type"`
			Queue []QueueItem `json:"queue"`
		}{e.Type, queue})
	case EventJobComplete:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			JobID string    `json:"job_id"`
		}{e.Type, e.JobID})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// UnmarshalJSON は MarshalJSON の出力を読み取ります。
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  EventType   `json:"type"`
		Queue []QueueItem `json:"queue"`
		JobID string      `json:"job_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, Queue: raw.Queue, JobID: raw.JobID}
	return nil
}

// Observer は進捗イベントの購読者です。
//
// 未読イベントは最大 limit 件まで保持します。上限に達すると古い queue_update を
// 最新の1件にまとめ、それでも収まらない場合に Broadcaster から追い出されます。
type Observer struct {
	mu     sync.Mutex
	queue  []Event
	limit  int
	closed bool
	ready  chan struct{}
}

func newObserver(limit int) *Observer {
	return &Observer{limit: limit, ready: make(chan struct{}, 1)}
}

// push は ev を未読に追加します。上限を超える場合は false を返します。
func (o *Observer) push(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if len(o.queue) >= o.limit {
		o.compactLocked(ev.Type == EventQueueUpdate)
		if len(o.queue) >= o.limit {
			return false
		}
	}
	o.queue = append(o.queue, ev)
	o.signal()
	return true
}

// compactLocked は未読の queue_update を最後の1件だけ残して取り除きます。
// dropAll の場合は、これから届くスナップショットで置き換わるため全件取り除きます。
func (o *Observer) compactLocked(dropAll bool) {
	last := -1
	if !dropAll {
		for i := len(o.queue) - 1; i >= 0; i-- {
			if o.queue[i].Type == EventQueueUpdate {
				last = i
				break
			}
		}
	}
	kept := o.queue[:0]
	for i, ev := range o.queue {
		if ev.Type == EventQueueUpdate && i != last {
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = Event{}
	}
	o.queue = kept
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.signal()
}

func (o *Observer) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Next は次のイベントを待ちます。idle の間に何も届かなければ keepalive を返します。
// 購読が終了し未読もなくなった場合、または ctx が終わった場合は ok=false を返します。
func (o *Observer) Next(ctx context.Context, idle time.Duration) (Event, bool) {
	if idle <= 0 {
		idle = DefaultKeepalive
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			ev := o.queue[0]
			o.queue[0] = Event{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return ev, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-o.ready:
		case <-timer.C:
			return Event{Type: EventKeepalive}, true
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Broadcaster は購読者ごとの未読キューにイベントを配信します。
//
// 配信はブロックしません。未読が上限を超えた購読者は追い出されます。
type Broadcaster struct {
	mu        sync.Mutex
	observers map[*Observer]struct{}
	buffer    int
}

// NewBroadcaster は Broadcaster を作成します。buffer は購読者ごとの未読の上限です。
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		observers: make(map[*Observer]struct{}),
		buffer:    buffer,
	}
}

// Subscribe は購読者を登録し、最初のイベントとして snapshot を配信します。
func (b *Broadcaster) Subscribe(snapshot Event) *Observer {
	o := newObserver(b.buffer)
	o.push(snapshot)

	b.mu.Lock()
	b.observers[o] = struct{}{}
	b.mu.Unlock()
	return o
}

// Publish は全購読者へ ev を配信します。
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for o := range b.observers {
		if !o.push(ev) {
			delete(b.observers, o)
			o.close()
		}
	}
}

// Unsubscribe は購読者を解除します。解除済みの場合は何もしません。
func (b *Broadcaster) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[o]; ok {
		delete(b.observers, o)
		o.close()
	}
}

// Len は現在の購読者数を返します。
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// CloseAll は全購読者を解除します。
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for o := range b.observers {
		delete(b.observers, o)
		o.close()
	}
}
