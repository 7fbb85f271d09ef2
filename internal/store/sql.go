package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// SQL is a RecordStore backed by a gorm database (sqlite or postgres).
type SQL struct {
	db *gorm.DB
}

var _ RecordStore = (*SQL)(nil)

// OpenDatabase opens a gorm database from a URL of the form
// "sqlite://path", "sqlite=path", "postgres://..." or "postgres=dsn".
func OpenDatabase(dburl string, maxConnections int) (*gorm.DB, error) {
	var dial gorm.Dialector
	openConns := maxConnections
	switch {
	case strings.HasPrefix(dburl, "sqlite://"), strings.HasPrefix(dburl, "sqlite="):
		path := strings.TrimPrefix(strings.TrimPrefix(dburl, "sqlite://"), "sqlite=")
		if !strings.Contains(path, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		dial = sqlite.Open(path)
		openConns = 1
	case strings.HasPrefix(dburl, "postgresql://"), strings.HasPrefix(dburl, "postgres://"):
		dial = postgres.Open(dburl)
	case strings.HasPrefix(dburl, "postgres="):
		dial = postgres.Open(strings.TrimPrefix(dburl, "postgres="))
	default:
		return nil, fmt.Errorf("unsupported or unrecognized DATABASE_URL value")
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(slogGorm.WithLogger(obs.Logger)),
	})
	if err != nil {
		return nil, err
	}
	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}
	if openConns > 0 {
		sqldb.SetMaxOpenConns(openConns)
		sqldb.SetMaxIdleConns(openConns)
	}
	return db, nil
}

// NewSQL wraps db. When migrate is set the products table is created or
// updated.
func NewSQL(db *gorm.DB, migrate bool) (*SQL, error) {
	if migrate {
		if err := db.AutoMigrate(&model.Product{}); err != nil {
			return nil, fmt.Errorf("migrating products table: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Save(ctx context.Context, p model.Product) (model.Product, error) {
	db := s.db.WithContext(ctx)
	var err error
	if p.ID == 0 {
		err = db.Create(&p).Error
	} else {
		err = db.Save(&p).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
			return model.Product{}, fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return model.Product{}, err
	}
	return p, nil
}

func (s *SQL) FindByID(ctx context.Context, id int64) (model.Product, bool, error) {
	var p model.Product
	err := s.db.WithContext(ctx).Take(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, err
	}
	return p, true, nil
}

func (s *SQL) FindAll(ctx context.Context) ([]model.Product, error) {
	out := []model.Product{}
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQL) DeleteByID(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&model.Product{}, id).Error
}
