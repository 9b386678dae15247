// Copyright 2022 The feedcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Bounds on ListRecentFeeds
const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// FeedRecord one journaled gate outcome
type FeedRecord struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Kind            string     `gorm:"index;size:32" json:"kind"`
	RequestID       string     `gorm:"size:64" json:"request_id,omitempty"`
	OccurredAt      time.Time  `gorm:"index" json:"occurred_at"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
	Detail          string     `json:"detail,omitempty"`
	CreatedAt       time.Time  `json:"-"`
}

// TableName overrides the default pluralization
func (FeedRecord) TableName() string {
	return "feed_journal"
}

// FeedJournal records gate outcomes
type FeedJournal interface {
	// RecordFeed persist one feed event
	RecordFeed(ctxt context.Context, event gate.FeedEvent) (FeedRecord, error)
	/*
		ListRecentFeeds fetch the newest records first

		 @param ctxt context.Context - the call context
		 @param limit int - max records. Values outside 1..MaxListLimit fall back to the bounds.
		 @return records, newest first
	*/
	ListRecentFeeds(ctxt context.Context, limit int) ([]FeedRecord, error)
	// Observe gate.FeedObserver adapter around RecordFeed
	Observe(event gate.FeedEvent)
	// Close release the database
	Close() error
}

// gormJournal implements FeedJournal
type gormJournal struct {
	goutils.Component
	db           *gorm.DB
	writeTimeout time.Duration
}

// GetSQLiteJournal open (or create) a sqlite backed journal at the path
func GetSQLiteJournal(path string) (FeedJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("no sqlite path given")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return GetJournal(db, path)
}

// GetJournal define a journal on an open gorm DB, migrating the schema
func GetJournal(db *gorm.DB, name string) (FeedJournal, error) {
	logTags := log.Fields{
		"module": "storage", "component": "feed-journal", "instance": name,
	}
	if err := db.AutoMigrate(&FeedRecord{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Journal migration failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Feed journal ready")
	return &gormJournal{
		Component:    goutils.Component{LogTags: logTags},
		db:           db,
		writeTimeout: time.Second * 2,
	}, nil
}

func (j *gormJournal) RecordFeed(ctxt context.Context, event gate.FeedEvent) (FeedRecord, error) {
	record := FeedRecord{
		Kind:            string(event.Kind),
		RequestID:       event.RequestID,
		OccurredAt:      event.Timestamp.UTC(),
		NextAvailableAt: event.NextAvailableAt,
		Detail:          event.Detail,
	}
	if record.NextAvailableAt != nil {
		next := record.NextAvailableAt.UTC()
		record.NextAvailableAt = &next
	}
	if err := j.db.WithContext(ctxt).Create(&record).Error; err != nil {
		return FeedRecord{}, err
	}
	return record, nil
}

func (j *gormJournal) ListRecentFeeds(ctxt context.Context, limit int) ([]FeedRecord, error) {
	if limit < 1 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var records []FeedRecord
	err := j.db.WithContext(ctxt).
		Order("occurred_at desc").Order("id desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (j *gormJournal) Observe(event gate.FeedEvent) {
	ctxt, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()
	if _, err := j.RecordFeed(ctxt, event); err != nil {
		log.WithError(err).WithFields(j.LogTags).Errorf("Failed to journal %s event", event.Kind)
	}
}

func (j *gormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
