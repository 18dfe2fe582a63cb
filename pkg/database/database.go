package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tallyops/tally/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Client holds the database client
type Client struct {
	Gorm *gorm.DB
}

// NewClient creates a new database client
func NewClient(databaseURL string) (*Client, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to postgres: %w", err)
	}

	// Run migrations
	if err := db.AutoMigrate(
		&models.Organization{},
		&models.Membership{},
		&models.BillingEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed creating schema resources: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed getting sql.DB handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("✅ Database connected and migrations applied")

	return &Client{
		Gorm: db,
	}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	sqlDB, err := c.Gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.Gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
