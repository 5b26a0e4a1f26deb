package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/motopoint/internal/models"
)

// MemoryStore keeps every collection in process. A transaction holds the
// store mutex from start to finish and restores a snapshot on error, so
// transactions are fully serialized.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	rides      map[string]models.RideRequest
	proposals  map[string]models.RideProposal
	rejections map[rejectionKey]models.RideRejection
	drivers    map[string]models.Driver
	profiles   map[string]models.Profile
}

type rejectionKey struct{ ride, driver string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		rides:      make(map[string]models.RideRequest),
		proposals:  make(map[string]models.RideProposal),
		rejections: make(map[rejectionKey]models.RideRejection),
		drivers:    make(map[string]models.Driver),
		profiles:   make(map[string]models.Profile),
	}}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{s: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (s *memState) clone() *memState {
	c := &memState{
		rides:      make(map[string]models.RideRequest, len(s.rides)),
		proposals:  make(map[string]models.RideProposal, len(s.proposals)),
		rejections: make(map[rejectionKey]models.RideRejection, len(s.rejections)),
		drivers:    make(map[string]models.Driver, len(s.drivers)),
		profiles:   make(map[string]models.Profile, len(s.profiles)),
	}
	for k, v := range s.rides {
		c.rides[k] = v
	}
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.rejections {
		c.rejections[k] = v
	}
	for k, v := range s.drivers {
		c.drivers[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	return c
}

type memTx struct{ s *memState }

// references mirrors the foreign keys of the relational schema.
func (t *memTx) references(rideID, driverID string) error {
	if _, ok := t.s.rides[rideID]; !ok {
		return models.NotFound("referenced record not found")
	}
	if _, ok := t.s.drivers[driverID]; !ok {
		return models.NotFound("referenced record not found")
	}
	return nil
}

func (t *memTx) InsertRide(_ context.Context, r *models.RideRequest) error {
	if _, ok := t.s.rides[r.ID]; ok {
		return models.Conflict("ride already exists")
	}
	t.s.rides[r.ID] = *r
	return nil
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	r, ok := t.s.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (t *memTx) GetRideForUpdate(ctx context.Context, id string) (*models.RideRequest, error) {
	return t.GetRide(ctx, id)
}

func (t *memTx) CompareAndSwapRide(_ context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.RideRequest, bool, error) {
	r, ok := t.s.rides[id]
	if !ok || r.Status != expected {
		return nil, false, nil
	}
	r.Status = upd.Status
	if upd.DriverID != nil {
		driverID := *upd.DriverID
		r.DriverID = &driverID
	}
	r.UpdatedAt = upd.At
	t.s.rides[id] = r
	return &r, true, nil
}

func (t *memTx) TouchRide(_ context.Context, id string, at time.Time) error {
	r, ok := t.s.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	r.UpdatedAt = at
	t.s.rides[id] = r
	return nil
}

func (t *memTx) CancelExpiredRides(_ context.Context, cutoff, at time.Time) ([]string, error) {
	var ids []string
	for id, r := range t.s.rides {
		if r.Status != models.RidePending || r.CreatedAt.After(cutoff) {
			continue
		}
		r.Status = models.RideCancelled
		r.UpdatedAt = at
		t.s.rides[id] = r
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) ListPendingRides(_ context.Context) ([]models.RideRequest, error) {
	out := make([]models.RideRequest, 0)
	for _, r := range t.s.rides {
		if r.Status == models.RidePending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) InsertProposal(_ context.Context, p *models.RideProposal) error {
	if err := t.references(p.RideID, p.DriverID); err != nil {
		return err
	}
	t.s.proposals[p.ID] = *p
	return nil
}

func (t *memTx) GetProposal(_ context.Context, id string) (*models.RideProposal, error) {
	p, ok := t.s.proposals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) ListProposals(_ context.Context, rideID string) ([]models.RideProposal, error) {
	out := make([]models.RideProposal, 0)
	for _, p := range t.s.proposals {
		if p.RideID == rideID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) CompareAndSwapProposal(_ context.Context, id string, expected, next models.ProposalStatus) (bool, error) {
	p, ok := t.s.proposals[id]
	if !ok || p.Status != expected {
		return false, nil
	}
	p.Status = next
	t.s.proposals[id] = p
	return true, nil
}

func (t *memTx) RejectSiblingProposals(_ context.Context, rideID, exceptID string) (int64, error) {
	var n int64
	for id, p := range t.s.proposals {
		if p.RideID != rideID || id == exceptID || p.Status != models.ProposalPending {
			continue
		}
		p.Status = models.ProposalRejected
		t.s.proposals[id] = p
		n++
	}
	return n, nil
}

func (t *memTx) InsertRejection(_ context.Context, r *models.RideRejection) (bool, error) {
	if err := t.references(r.RideID, r.DriverID); err != nil {
		return false, err
	}
	k := rejectionKey{r.RideID, r.DriverID}
	if _, ok := t.s.rejections[k]; ok {
		return false, nil
	}
	t.s.rejections[k] = *r
	return true, nil
}

func (t *memTx) CountRejections(_ context.Context, rideID string) (int, error) {
	n := 0
	for k := range t.s.rejections {
		if k.ride == rideID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListRejections(_ context.Context, rideIDs []string) ([]models.RideRejection, error) {
	want := make(map[string]struct{}, len(rideIDs))
	for _, id := range rideIDs {
		want[id] = struct{}{}
	}
	out := make([]models.RideRejection, 0)
	for k, r := range t.s.rejections {
		if _, ok := want[k.ride]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) CountOnlineDrivers(_ context.Context) (int, error) {
	n := 0
	for _, d := range t.s.drivers {
		if d.Online {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	d, ok := t.s.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &d, nil
}

func (t *memTx) GetDriverByUser(_ context.Context, userID string) (*models.Driver, error) {
	for _, d := range t.s.drivers {
		if d.UserID == userID {
			return &d, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *memTx) InsertDriver(_ context.Context, d *models.Driver) error {
	for _, existing := range t.s.drivers {
		if d.UserID != "" && existing.UserID == d.UserID {
			return models.Conflict("driver already exists for user")
		}
	}
	t.s.drivers[d.ID] = *d
	return nil
}

func (t *memTx) CompareAndSwapDriverStatus(_ context.Context, id string, expected, next models.DriverStatus, requireOnline bool) (bool, error) {
	d, ok := t.s.drivers[id]
	if !ok || d.Status != expected || (requireOnline && !d.Online) {
		return false, nil
	}
	d.Status = next
	t.s.drivers[id] = d
	return true, nil
}

func (t *memTx) SetDriverOnline(_ context.Context, id string, online bool) (*models.Driver, error) {
	d, ok := t.s.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	d.Online = online
	t.s.drivers[id] = d
	return &d, nil
}

func (t *memTx) FindProfileByEmail(_ context.Context, email string) (*models.Profile, error) {
	for _, p := range t.s.profiles {
		if strings.EqualFold(p.Email, email) {
			return &p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *memTx) UpsertProfile(_ context.Context, p *models.Profile) error {
	existing, ok := t.s.profiles[p.ID]
	if ok {
		existing.Name = p.Name
		if p.PhotoURL != "" {
			existing.PhotoURL = p.PhotoURL
		}
		t.s.profiles[p.ID] = existing
		return nil
	}
	for _, other := range t.s.profiles {
		if strings.EqualFold(other.Email, p.Email) {
			return models.Conflict("email already registered")
		}
	}
	t.s.profiles[p.ID] = *p
	return nil
}
