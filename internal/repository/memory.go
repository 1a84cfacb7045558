package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/flybeeper/geolog/internal/models"
)

// MemoryStore хранилище в памяти для тестов и --storage=memory
type MemoryStore struct {
	mu            sync.RWMutex
	samples       []*models.LocationSample
	profiles      map[int64]*models.Profile
	nextSampleID  int64
	nextProfileID int64
}

// NewMemoryStore создает хранилище с Off и встроенными профилями
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{profiles: make(map[int64]*models.Profile)}
	for _, p := range append([]*models.Profile{models.OffProfile()}, models.Presets()...) {
		s.nextProfileID++
		p.ID = s.nextProfileID
		s.profiles[p.ID] = p
	}
	return s
}

func (s *MemoryStore) SaveSample(ctx context.Context, sample *models.LocationSample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSampleID++
	c := sample.Clone()
	c.ID = s.nextSampleID
	s.samples = append(s.samples, c)
	return c.ID, nil
}

func (s *MemoryStore) ListSamples(ctx context.Context, q SampleQuery) ([]*models.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LocationSample
	for _, sample := range s.samples {
		if !q.From.IsZero() && sample.Time.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && sample.Time.After(q.To) {
			continue
		}
		if q.AfterID > 0 && sample.ID <= q.AfterID {
			continue
		}
		out = append(out, sample.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountSamples(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.samples)), nil
}

func (s *MemoryStore) DeleteAllSamples(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	return nil
}

func (s *MemoryStore) SaveProfile(ctx context.Context, p *models.Profile) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if p.IsOff() {
		return 0, ErrOffProfile
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := p.Clone()
	if c.ID == 0 {
		s.nextProfileID++
		c.ID = s.nextProfileID
		s.profiles[c.ID] = c
		return c.ID, nil
	}

	existing, ok := s.profiles[c.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if existing.IsOff() {
		return 0, ErrOffProfile
	}
	s.profiles[c.ID] = c
	return c.ID, nil
}

func (s *MemoryStore) GetProfileByID(ctx context.Context, id int64) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetOffProfile(ctx context.Context) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.sortedProfiles() {
		if p.IsOff() {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListProfiles(ctx context.Context) ([]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Profile
	for _, p := range s.sortedProfiles() {
		if !p.IsOff() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteProfile(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if p.IsOff() {
		return ErrOffProfile
	}
	delete(s.profiles, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) sortedProfiles() []*models.Profile {
	out := make([]*models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
