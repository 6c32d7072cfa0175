package session

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("session not found")

// Data is the persisted state of one connection, keyed by DC and media flag.
type Data struct {
	DC         int    `json:"dc"`
	Media      bool   `json:"media"`
	AuthKey    []byte `json:"auth_key"`
	AuthKeyID  uint64 `json:"auth_key_id"`
	SessionID  uint64 `json:"session_id"`
	ServerSalt uint64 `json:"server_salt"`
	Sequence   uint32 `json:"sequence"`
	// DeltaTime is the server minus local clock difference in milliseconds.
	DeltaTime int64 `json:"delta_time"`
	Signed    bool  `json:"signed"`
}

func (d *Data) clone() *Data {
	c := *d
	c.AuthKey = append([]byte{}, d.AuthKey...)
	return &c
}

type Storage interface {
	Load(dc int, media bool) (*Data, error)
	Save(data *Data) error
	Delete(dc int, media bool) error
}

type key struct {
	dc    int
	media bool
}

// Memory keeps sessions only for the process lifetime.
type Memory struct {
	mx   sync.RWMutex
	data map[key]*Data
}

func NewMemory() *Memory {
	return &Memory{
		data: map[key]*Data{},
	}
}

func (m *Memory) Load(dc int, media bool) (*Data, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	d := m.data[key{dc, media}]
	if d == nil {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *Memory) Save(data *Data) error {
	m.mx.Lock()
	m.data[key{data.DC, data.Media}] = data.clone()
	m.mx.Unlock()
	return nil
}

func (m *Memory) Delete(dc int, media bool) error {
	m.mx.Lock()
	delete(m.data, key{dc, media})
	m.mx.Unlock()
	return nil
}
