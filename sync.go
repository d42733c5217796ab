package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is one full pull of the account's cultivation state.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Role    *UserSession   `json:"role,omitempty"`
	Avatars []AvatarBasic  `json:"avatars"`
	Details []AvatarDetail `json:"details"`
	Buddies []Buddy        `json:"buddies"`
	Note    *Note          `json:"note,omitempty"`
}

type SnapshotSink interface {
	Write(ctx context.Context, snap *Snapshot) error
}

// FileSink writes each snapshot over the previous one.
type FileSink struct {
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Write(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type syncSource interface {
	AvatarList(ctx context.Context, override *RoleOverride) ([]AvatarBasic, error)
	AvatarDetails(ctx context.Context, ids []int, override *RoleOverride) ([]AvatarDetail, error)
	BuddyList(ctx context.Context, override *RoleOverride) ([]Buddy, error)
	Note(ctx context.Context, override *RoleOverride) (*Note, error)
}

type Syncer struct {
	api      syncSource
	sessions *SessionCache
	sink     SnapshotSink
	logger   Logger
	now      func() time.Time
}

func NewSyncer(api syncSource, sessions *SessionCache, sink SnapshotSink, logger Logger) *Syncer {
	return &Syncer{api: api, sessions: sessions, sink: sink, logger: logger, now: time.Now}
}

// Sync pulls roster, details, bangboo and the note, then hands the snapshot
// to the sink. A failing note does not fail the sync.
func (s *Syncer) Sync(ctx context.Context) (*Snapshot, error) {
	start := s.now()

	avatars, err := s.api.AvatarList(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("avatar list: %w", err)
	}

	ids := make([]int, 0, len(avatars))
	for _, a := range avatars {
		if a.Unlocked {
			ids = append(ids, a.ID)
		}
	}
	details, err := s.api.AvatarDetails(ctx, ids, nil)
	if err != nil {
		return nil, fmt.Errorf("avatar details: %w", err)
	}

	buddies, err := s.api.BuddyList(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("buddy list: %w", err)
	}

	note, err := s.api.Note(ctx, nil)
	if err != nil {
		if IsFatalError(err) || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Log("Note unavailable: %v", err)
		note = nil
	}

	snap := &Snapshot{
		TakenAt: start,
		Avatars: avatars,
		Details: details,
		Buddies: buddies,
		Note:    note,
	}
	if s.sessions != nil {
		snap.Role = s.sessions.Get()
	}

	if s.sink != nil {
		if err := s.sink.Write(ctx, snap); err != nil {
			return nil, fmt.Errorf("write snapshot: %w", err)
		}
	}
	s.logger.Log("Synced %d agents (%d detailed), %d bangboo in %v", len(avatars), len(details), len(buddies), s.now().Sub(start).Round(time.Millisecond))
	return snap, nil
}
