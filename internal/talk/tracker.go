package talk

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is the stored outcome of one control request
type Record struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	Result Result    `json:"result"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Tracker remembers the outcomes of recent control requests so a controller
// can look one up by its request id. Old entries fall out once size is
// reached.
type Tracker struct {
	records *lru.Cache[string, Record]
	now     func() time.Time
}

// NewTracker creates a tracker holding at most size records
func NewTracker(size int) (*Tracker, error) {
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{records: cache, now: time.Now}, nil
}

// Record stores the outcome for id
func (t *Tracker) Record(id, action string, res Result, err error) {
	if id == "" {
		return
	}
	rec := Record{ID: id, Action: action, Result: res, At: t.now()}
	if err != nil {
		rec.Error = err.Error()
	}
	t.records.Add(id, rec)
}

// Lookup returns the record for id, if still held
func (t *Tracker) Lookup(id string) (Record, bool) {
	return t.records.Peek(id)
}

// Len returns how many records are held
func (t *Tracker) Len() int {
	return t.records.Len()
}
