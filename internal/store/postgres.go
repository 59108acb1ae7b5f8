package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

type roomRecord struct {
	ID        string `gorm:"primaryKey;size:16"`
	Name      string `gorm:"not null"`
	CreatedBy string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Snapshot  string `gorm:"type:jsonb;not null"`
}

func (roomRecord) TableName() string { return "rooms" }

// Postgres stores each room as one row holding its JSON snapshot.
type Postgres struct {
	db *gorm.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	sqlDB := stdlib.OpenDB(*cfg)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&roomRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Create(ctx context.Context, name, createdBy string) (engine.Room, error) {
	name, createdBy, err := normalize(name, createdBy)
	if err != nil {
		return engine.Room{}, err
	}

	for i := 0; i < maxAttempts; i++ {
		id, err := GenerateCode()
		if err != nil {
			return engine.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		room := engine.NewRoom(id, name, createdBy, time.Now().UTC().Truncate(time.Microsecond))
		rec, err := toRecord(room)
		if err != nil {
			return engine.Room{}, err
		}
		rec.CreatedAt = room.CreatedAt

		err = p.db.WithContext(ctx).Create(&rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return engine.Room{}, fmt.Errorf("insert room: %w", err)
		}
		return room, nil
	}
	return engine.Room{}, fmt.Errorf("generate room id: %d collisions", maxAttempts)
}

func (p *Postgres) Get(ctx context.Context, id string) (engine.Room, error) {
	var rec roomRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.Room{}, ErrNotFound
	}
	if err != nil {
		return engine.Room{}, fmt.Errorf("select room: %w", err)
	}

	var room engine.Room
	if err := json.Unmarshal([]byte(rec.Snapshot), &room); err != nil {
		return engine.Room{}, fmt.Errorf("decode room %s: %w", id, err)
	}
	if room.Votes == nil {
		room.Votes = map[string]float64{}
	}
	return room, nil
}

func (p *Postgres) Save(ctx context.Context, room engine.Room) error {
	rec, err := toRecord(room)
	if err != nil {
		return err
	}
	res := p.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", room.ID).Updates(map[string]any{
		"name":     rec.Name,
		"snapshot": rec.Snapshot,
	})
	if res.Error != nil {
		return fmt.Errorf("update room: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Delete(&roomRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete room: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(room engine.Room) (roomRecord, error) {
	b, err := json.Marshal(room)
	if err != nil {
		return roomRecord{}, fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	return roomRecord{
		ID:        room.ID,
		Name:      room.Name,
		CreatedBy: room.CreatedBy,
		Snapshot:  string(b),
	}, nil
}
