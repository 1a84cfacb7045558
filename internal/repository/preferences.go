package repository

import (
	"context"
	"sync"

	"github.com/flybeeper/geolog/internal/models"
)

// MemoryPreferences настройки в памяти процесса
type MemoryPreferences struct {
	mu        sync.RWMutex
	profileID int64
	hasID     bool
	units     models.Units
}

// NewMemoryPreferences создает настройки с единицами по умолчанию
func NewMemoryPreferences(units models.Units) *MemoryPreferences {
	return &MemoryPreferences{units: units}
}

func (p *MemoryPreferences) CurrentProfileID(ctx context.Context) (int64, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profileID, p.hasID, nil
}

func (p *MemoryPreferences) SetCurrentProfileID(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileID = id
	p.hasID = true
	return nil
}

func (p *MemoryPreferences) Units(ctx context.Context) (models.Units, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.units, nil
}

func (p *MemoryPreferences) SetUnits(ctx context.Context, units models.Units) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units = units
	return nil
}
