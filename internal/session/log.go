package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"terrastamp.ai/internal/persistence/assets"
)

var ErrIndexOutOfRange = errors.New("session: operation index out of range")

// Operation is one record of the log. Only Active and Description change
// after creation.
type Operation struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Tiles       []string  `json:"tiles,omitempty"`
	SettingsID  string    `json:"settings_id"`
	Settings    Settings  `json:"-"`
}

// Log is the ordered operation record. Settings payloads live in the asset
// store, when one is attached, under each operation's SettingsID.
type Log struct {
	ops    []*Operation
	assets *assets.Store
}

func NewLog(store *assets.Store) *Log { return &Log{assets: store} }

func (l *Log) Len() int { return len(l.ops) }

func (l *Log) At(i int) (*Operation, error) {
	if i < 0 || i >= len(l.ops) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(l.ops))
	}
	return l.ops[i], nil
}

// Operations returns the records in insertion order.
func (l *Log) Operations() []*Operation {
	return append([]*Operation(nil), l.ops...)
}

// Append persists op's settings and adds it to the end of the log.
func (l *Log) Append(op *Operation) error {
	if op.Settings == nil {
		return fmt.Errorf("%w: nil settings", ErrUnknownType)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Type = op.Settings.Type()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if l.assets != nil {
		payload, err := json.Marshal(op.Settings)
		if err != nil {
			return fmt.Errorf("encode %s settings: %w", op.Type, err)
		}
		a, err := l.assets.Save(assets.Asset{ID: op.SettingsID, Type: string(op.Type), Payload: payload})
		if err != nil {
			return err
		}
		op.SettingsID = a.ID
	} else if op.SettingsID == "" {
		op.SettingsID = uuid.NewString()
	}
	l.ops = append(l.ops, op)
	return nil
}

// load adds an already persisted record without touching the store.
func (l *Log) load(op *Operation) { l.ops = append(l.ops, op) }

func (l *Log) SetActive(i int, active bool) error {
	op, err := l.At(i)
	if err != nil {
		return err
	}
	op.Active = active
	return nil
}

func (l *Log) SetDescription(i int, desc string) error {
	op, err := l.At(i)
	if err != nil {
		return err
	}
	op.Description = desc
	return nil
}

// Delete removes the record at i together with its settings asset.
func (l *Log) Delete(i int) (*Operation, error) {
	op, err := l.At(i)
	if err != nil {
		return nil, err
	}
	if err := l.removeAsset(op); err != nil {
		return nil, err
	}
	l.ops = append(l.ops[:i], l.ops[i+1:]...)
	return op, nil
}

// Clear removes every record and its asset.
func (l *Log) Clear() error {
	for len(l.ops) > 0 {
		last := len(l.ops) - 1
		if err := l.removeAsset(l.ops[last]); err != nil {
			return err
		}
		l.ops = l.ops[:last]
	}
	return nil
}

func (l *Log) removeAsset(op *Operation) error {
	if l.assets == nil {
		return nil
	}
	if err := l.assets.Delete(op.SettingsID); err != nil && !errors.Is(err, assets.ErrNotFound) {
		return fmt.Errorf("delete settings %s: %w", op.SettingsID, err)
	}
	return nil
}
