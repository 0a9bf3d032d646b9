package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
)

// MemoryRequestRepository хранит запросы в памяти; используется в тестах и локальном запуске.
type MemoryRequestRepository struct {
	mu   sync.Mutex
	rows map[string]models.Request
}

// NewMemoryRequestRepository создает новый экземпляр MemoryRequestRepository.
func NewMemoryRequestRepository() *MemoryRequestRepository {
	return &MemoryRequestRepository{rows: map[string]models.Request{}}
}

func (r *MemoryRequestRepository) CreateRequest(_ context.Context, rec models.Request) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[rec.ID]; exists {
		return nil, models.ErrVersionConflict
	}
	if rec.Version <= 0 {
		rec.Version = 1
	}
	r.rows[rec.ID] = rec.Clone()
	out := rec.Clone()
	return &out, nil
}

func (r *MemoryRequestRepository) GetRequest(_ context.Context, requestId string) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[requestId]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := row.Clone()
	return &out, nil
}

func (r *MemoryRequestRepository) UpdateRequest(_ context.Context, rec models.Request) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[rec.ID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if row.Version != rec.Version {
		return nil, models.ErrVersionConflict
	}
	rec.Version++
	r.rows[rec.ID] = rec.Clone()
	out := rec.Clone()
	return &out, nil
}

func (r *MemoryRequestRepository) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, row := range r.rows {
		if !row.Status.IsOpen() {
			continue
		}
		next := row.Contact.NextIVRCallScheduled
		if (next != nil && !next.After(now)) || !row.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *MemoryRequestRepository) ListByParticipant(_ context.Context, userId string, limit, offset int) ([]models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []models.Request
	for _, row := range r.rows {
		if row.Participant(userId) {
			items = append(items, row.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// MemoryListingRepository - объявления в памяти.
type MemoryListingRepository struct {
	mu       sync.Mutex
	listings map[string]models.Listing
}

func NewMemoryListingRepository(listings ...models.Listing) *MemoryListingRepository {
	r := &MemoryListingRepository{listings: map[string]models.Listing{}}
	for _, l := range listings {
		r.listings[l.ID] = l
	}
	return r
}

func (r *MemoryListingRepository) GetListing(_ context.Context, cropId string) (*models.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[cropId]
	if !ok {
		return nil, models.ErrListingUnavailable
	}
	return &l, nil
}

// MemoryContactDirectory - контакты в памяти. Неизвестный пользователь получает
// контакт без телефона, то есть только web-уведомления.
type MemoryContactDirectory struct {
	mu       sync.Mutex
	contacts map[string]models.Contact
}

func NewMemoryContactDirectory(contacts ...models.Contact) *MemoryContactDirectory {
	d := &MemoryContactDirectory{contacts: map[string]models.Contact{}}
	for _, c := range contacts {
		d.contacts[c.UserID] = c
	}
	return d
}

func (d *MemoryContactDirectory) GetContact(_ context.Context, userId string, role models.Role) (*models.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[userId]
	if !ok {
		c = models.Contact{UserID: userId}
	}
	c.Role = role
	return &c, nil
}
