package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryDevice struct {
	device  Device
	display DisplayInfo
}

// MemoryStore is a process-local Directory and AuditSink for development
// and tests. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[uuid.UUID]*memoryDevice
	commands map[uuid.UUID]CommandRecord
	order    []uuid.UUID
	results  map[uuid.UUID]QueryResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[uuid.UUID]*memoryDevice),
		commands: make(map[uuid.UUID]CommandRecord),
		results:  make(map[uuid.UUID]QueryResult),
	}
}

// AddDevice seeds a device and its display info.
func (s *MemoryStore) AddDevice(d Device, display DisplayInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = &memoryDevice{device: d, display: display}
}

func (s *MemoryStore) DeviceInTenant(_ context.Context, deviceID, tenantID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return ok && d.device.TenantID == tenantID, nil
}

func (s *MemoryStore) SetPresence(_ context.Context, deviceID uuid.UUID, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.device.Online = online
	d.device.LastSeen = &at
	return nil
}

func (s *MemoryStore) DisplayInfo(_ context.Context, deviceID uuid.UUID) (DisplayInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return DisplayInfo{}, ErrDeviceNotFound
	}
	return d.display, nil
}

func (s *MemoryStore) RecordQueryExecution(_ context.Context, deviceID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.device.QueryExecutions++
	d.device.LastQueryAt = &at
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID uuid.UUID) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := d.device
	return &cp, nil
}

func (s *MemoryStore) RecordCommand(_ context.Context, rec CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[rec.ID]; exists {
		return fmt.Errorf("record command: %s already recorded", rec.ID)
	}
	s.commands[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) UpdateCommandStatus(_ context.Context, commandID uuid.UUID, status CommandStatus, message *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("update command status: command %s not recorded", commandID)
	}
	rec.Status = status
	rec.Message = message
	rec.CompletedAt = &at
	s.commands[commandID] = rec
	return nil
}

func (s *MemoryStore) RecordQueryResult(_ context.Context, r QueryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ExecutionID] = r
	return nil
}

// Commands returns every recorded command in issue order.
func (s *MemoryStore) Commands() []CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommandRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.commands[id])
	}
	return out
}

// Command returns one recorded command.
func (s *MemoryStore) Command(id uuid.UUID) (CommandRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.commands[id]
	return rec, ok
}

// QueryResultFor returns a recorded query result.
func (s *MemoryStore) QueryResultFor(executionID uuid.UUID) (QueryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[executionID]
	return r, ok
}
