package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
)

const tagParticipantID = "participant_id_taken"

// ParticipantRepository handles persistence for participants. Participants
// are immutable after creation.
type ParticipantRepository struct {
	st store.Store
}

// NewParticipantRepository constructs a ParticipantRepository.
func NewParticipantRepository(st store.Store) *ParticipantRepository {
	return &ParticipantRepository{st: st}
}

func participantKey(id string) store.Key {
	return store.Key{Partition: id}
}

func decodeParticipant(val []byte) (*model.Participant, error) {
	var p model.Participant
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, fmt.Errorf("decode participant: %w", err)
	}
	return &p, nil
}

// Create inserts a new participant with a generated UUID.
func (r *ParticipantRepository) Create(ctx context.Context, req model.CreateParticipantRequest) (*model.Participant, error) {
	p := &model.Participant{
		ID:          uuid.New().String(),
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	val, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode participant: %w", err)
	}
	key := participantKey(p.ID)
	err = r.st.ConditionalPut(ctx, store.TableParticipants,
		store.Item{Key: key, Value: val},
		store.NotExists(store.TableParticipants, key, tagParticipantID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	return p, nil
}

// GetByID returns a single participant or ErrNotFound.
func (r *ParticipantRepository) GetByID(ctx context.Context, id string) (*model.Participant, error) {
	item, err := r.st.Get(ctx, store.TableParticipants, participantKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return decodeParticipant(item.Value)
}

// List returns all participants ordered by creation time ascending.
func (r *ParticipantRepository) List(ctx context.Context) ([]model.Participant, error) {
	items, err := r.st.Scan(ctx, store.TableParticipants)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants := make([]model.Participant, 0, len(items))
	for _, it := range items {
		p, err := decodeParticipant(it.Value)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].CreatedAt.Before(participants[j].CreatedAt)
	})
	return participants, nil
}
