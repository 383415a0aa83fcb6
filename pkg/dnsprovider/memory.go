package dnsprovider

import (
	"context"
	"sync"
)

type Call struct {
	Op     string
	Record Record
}

// Memory is a DNS provider that keeps records in a map and remembers every call
type Memory struct {
	records     map[string]string // name => value
	calls       []Call
	failCreates map[string]error
	failDeletes map[string]error
	mu          sync.Mutex
}

var _ Adapter = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records:     map[string]string{},
		failCreates: map[string]error{},
		failDeletes: map[string]error{},
	}
}

func (m *Memory) FailCreate(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failCreates[name] = err
}

func (m *Memory) FailDelete(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failDeletes[name] = err
}

func (m *Memory) Create(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{"create", record})

	if err := validate(record); err != nil {
		return &DnsProviderError{Op: "create", Provider: "memory", Zone: record.Zone, Name: record.Name, Err: err}
	}

	if err := m.failCreates[record.Name]; err != nil {
		return &DnsProviderError{Op: "create", Provider: "memory", Zone: record.Zone, Name: record.Name, Err: err}
	}

	m.records[record.Name] = record.Value

	return nil
}

func (m *Memory) Delete(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{"delete", record})

	if err := m.failDeletes[record.Name]; err != nil {
		return &DnsProviderError{Op: "delete", Provider: "memory", Zone: record.Zone, Name: record.Name, Err: err}
	}

	delete(m.records, record.Name)

	return nil
}

func (m *Memory) Lookup(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, found := m.records[name]
	return value, found
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Call{}, m.calls...)
}
