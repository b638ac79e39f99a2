// Package storage keeps per-guild bot state in the datastore.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/keshon/groovebox/datastore"
	"github.com/rs/zerolog"
)

const (
	commandHistoryLimit = 20
	trackHistoryLimit   = 12
)

type CommandHistoryRecord struct {
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	GuildName   string    `json:"guild_name"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Command     string    `json:"command"`
	Param       string    `json:"param"`
	Datetime    time.Time `json:"datetime"`
}

type TrackRecord struct {
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Channel  string    `json:"channel"`
	Duration string    `json:"duration"`
	PlayedBy string    `json:"played_by"`
	PlayedAt time.Time `json:"played_at"`
}

type Record struct {
	Prefix         string                 `json:"prefix,omitempty"`
	CommandHistory []CommandHistoryRecord `json:"cmd_history"`
	TrackHistory   []TrackRecord          `json:"track_history"`
}

type Storage struct {
	ds *datastore.DataStore

	// serializes read-modify-write of guild records
	mu sync.Mutex
}

func New(filePath string, log zerolog.Logger) (*Storage, error) {
	ds, err := datastore.New(filePath, log)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func NewWithDataStore(ds *datastore.DataStore) *Storage {
	return &Storage{ds: ds}
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

func (s *Storage) Stats() datastore.Stats {
	return s.ds.Stats()
}

func (s *Storage) record(guildID string) (Record, error) {
	var rec Record
	if _, err := s.ds.Get(guildID, &rec); err != nil {
		return Record{}, fmt.Errorf("guild %s: %w", guildID, err)
	}
	return rec, nil
}

func (s *Storage) update(guildID string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(guildID)
	if err != nil {
		return err
	}
	fn(&rec)
	return s.ds.Put(guildID, rec)
}

func keepLast[T any](list []T, n int) []T {
	if len(list) > n {
		return list[len(list)-n:]
	}
	return list
}

func (s *Storage) AppendCommandToHistory(guildID string, cmd CommandHistoryRecord) error {
	return s.update(guildID, func(r *Record) {
		r.CommandHistory = keepLast(append(r.CommandHistory, cmd), commandHistoryLimit)
	})
}

// FetchCommandHistory returns oldest first.
func (s *Storage) FetchCommandHistory(guildID string) ([]CommandHistoryRecord, error) {
	rec, err := s.record(guildID)
	if err != nil {
		return nil, err
	}
	return rec.CommandHistory, nil
}

func (s *Storage) AppendTrackToHistory(guildID string, track TrackRecord) error {
	return s.update(guildID, func(r *Record) {
		r.TrackHistory = keepLast(append(r.TrackHistory, track), trackHistoryLimit)
	})
}

// FetchTrackHistory returns oldest first.
func (s *Storage) FetchTrackHistory(guildID string) ([]TrackRecord, error) {
	rec, err := s.record(guildID)
	if err != nil {
		return nil, err
	}
	return rec.TrackHistory, nil
}

func (s *Storage) SetPrefix(guildID, prefix string) error {
	return s.update(guildID, func(r *Record) {
		r.Prefix = prefix
	})
}

// GetPrefix returns def when the guild has no prefix of its own.
func (s *Storage) GetPrefix(guildID, def string) string {
	rec, err := s.record(guildID)
	if err != nil || rec.Prefix == "" {
		return def
	}
	return rec.Prefix
}
