// Package db owns the SQLite-backed table store. All multi-table mutations
// go through Store.Update, which runs the body in one transaction and fires
// side effects only after commit.
package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := gdb.AutoMigrate(
		&models.Provider{},
		&models.ProviderModel{},
		&models.AuthRecord{},
		&models.OriginSetting{},
		&models.PermissionRule{},
		&models.PendingRequest{},
		&models.Config{},
	); err != nil {
		return nil, err
	}

	// Ensure RPC API key exists (generate on first run)
	ensureAPIKey(gdb)

	return gdb, nil
}

// After collects side effects (event publishes and the like) registered
// inside a transaction body. They run only if the transaction commits, so
// observers never see a notification for data not yet durable.
type After struct {
	fns []func()
}

// Do registers a post-commit callback.
func (a *After) Do(fn func()) {
	a.fns = append(a.fns, fn)
}

func (a *After) run() {
	for _, fn := range a.fns {
		fn()
	}
}

// Store wraps the gorm handle with the post-commit hook mechanism.
type Store struct {
	DB *gorm.DB
}

// NewStore wraps an initialized database.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{DB: gdb}
}

// Update runs fn in a single atomic transaction. Callbacks registered on
// the After argument fire after commit, in registration order. Only local
// data transformations belong inside fn; never await network I/O there.
func (s *Store) Update(fn func(tx *gorm.DB, after *After) error) error {
	after := &After{}
	if err := s.DB.Transaction(func(tx *gorm.DB) error {
		return fn(tx, after)
	}); err != nil {
		return err
	}
	after.run()
	return nil
}

// GetConfig reads a config value; empty string when absent.
func (s *Store) GetConfig(key string) string {
	var cfg models.Config
	if err := s.DB.Where("key = ?", key).First(&cfg).Error; err != nil {
		return ""
	}
	return cfg.Value
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(key, value string) error {
	var cfg models.Config
	if err := s.DB.Where("key = ?", key).First(&cfg).Error; err != nil {
		return s.DB.Create(&models.Config{Key: key, Value: value}).Error
	}
	cfg.Value = value
	return s.DB.Save(&cfg).Error
}

// ensureAPIKey generates the RPC boundary key if not exists
func ensureAPIKey(gdb *gorm.DB) {
	var cfg models.Config
	result := gdb.Where("key = ?", models.ConfigKeyAPIKey).First(&cfg)

	if result.Error != nil {
		keyBytes := make([]byte, 16)
		rand.Read(keyBytes)
		apiKey := "bk-" + hex.EncodeToString(keyBytes)

		gdb.Create(&models.Config{
			Key:   models.ConfigKeyAPIKey,
			Value: apiKey,
		})
		log.Printf("🔑 Generated new API key: %s", apiKey)
	}
}

// GetAPIKey retrieves the RPC API key from database
func GetAPIKey(gdb *gorm.DB) string {
	var cfg models.Config
	gdb.Where("key = ?", models.ConfigKeyAPIKey).First(&cfg)
	return cfg.Value
}

// RegenerateAPIKey creates a new RPC API key
func RegenerateAPIKey(gdb *gorm.DB) string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	apiKey := "bk-" + hex.EncodeToString(keyBytes)

	gdb.Model(&models.Config{}).Where("key = ?", models.ConfigKeyAPIKey).Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s", apiKey)
	return apiKey
}
