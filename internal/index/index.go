// Package index persists repository registrations and the folder/file
// projection of cloned manifests in SQLite.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

var (
	// ErrRepositoryNotFound means no repository is registered under the name.
	ErrRepositoryNotFound = errors.New("repository not registered")
	// ErrRepositoryExists means the name is already registered.
	ErrRepositoryExists = errors.New("repository already registered")
	// ErrFolderNotFound means no folder row matches.
	ErrFolderNotFound = errors.New("folder not found in index")
)

// Repository is a registered repository.
type Repository struct {
	bun.BaseModel `bun:"table:repositories"`

	ID         int64  `bun:"id,pk,autoincrement"`
	Name       string `bun:"name,notnull,unique"`
	Path       string `bun:"path,notnull"`
	URL        string `bun:"url,notnull"`
	DeltaPatch bool   `bun:"delta_patch,notnull"`
}

// Folder is the persisted projection of a manifest folder.
type Folder struct {
	bun.BaseModel `bun:"table:folders"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Name         string `bun:"name,notnull"`
	IsRoot       bool   `bun:"is_root,notnull"`
	RepositoryID int64  `bun:"repository_id,notnull"`
	ParentID     *int64 `bun:"parent_id"`
}

// File is the persisted projection of a manifest file.
type File struct {
	bun.BaseModel `bun:"table:files"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Name         string `bun:"name,notnull"`
	ContentHash  string `bun:"content_hash,notnull"`
	RepositoryID int64  `bun:"repository_id,notnull"`
	ParentID     int64  `bun:"parent_id,notnull"`
}

// Store is the single handle every index operation goes through.
type Store struct {
	db *bun.DB
}

// Open opens (creating if needed) the SQLite database at path. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	models := []any{(*Repository)(nil), (*Folder)(nil), (*File)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*Folder)(nil), "folders_repository_name_idx", []string{"repository_id", "name"}},
		{(*File)(nil), "files_repository_idx", []string{"repository_id"}},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// CreateRepository registers a new repository and fails if the name is taken.
func (s *Store) CreateRepository(ctx context.Context, name, path, url string, deltaPatch bool) (*Repository, error) {
	if _, err := s.GetRepository(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryExists, name)
	} else if !errors.Is(err, ErrRepositoryNotFound) {
		return nil, err
	}

	repo := &Repository{Name: name, Path: path, URL: url, DeltaPatch: deltaPatch}
	if _, err := s.db.NewInsert().Model(repo).Returning("id").Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert repository %s: %w", name, err)
	}
	return repo, nil
}

// RegisterRepository returns the id of the repository called name, creating
// it if needed. Path and URL of an existing registration are updated; its
// delta-patch flag is kept.
func (s *Store) RegisterRepository(ctx context.Context, name, path, url string) (int64, error) {
	repo := &Repository{Name: name, Path: path, URL: url}
	_, err := s.db.NewInsert().
		Model(repo).
		On("CONFLICT (name) DO UPDATE").
		Set("path = EXCLUDED.path").
		Set("url = EXCLUDED.url").
		Returning("id").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("register repository %s: %w", name, err)
	}
	return repo.ID, nil
}

// GetRepository looks up a registration by name.
func (s *Store) GetRepository(ctx context.Context, name string) (*Repository, error) {
	var repo Repository
	err := s.db.NewSelect().
		Model(&repo).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", name, err)
	}
	return &repo, nil
}

// ListRepositories returns every registration ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := s.db.NewSelect().Model(&repos).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

// InsertFolder adds a folder row. parentID is nil only for the root.
func (s *Store) InsertFolder(ctx context.Context, name string, repoID int64, parentID *int64) (int64, error) {
	folder := &Folder{Name: name, IsRoot: parentID == nil, RepositoryID: repoID, ParentID: parentID}
	if _, err := s.db.NewInsert().Model(folder).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert folder %q: %w", name, err)
	}
	return folder.ID, nil
}

// InsertFile adds a file row.
func (s *Store) InsertFile(ctx context.Context, name, contentHash string, repoID, parentID int64) (int64, error) {
	file := &File{Name: name, ContentHash: contentHash, RepositoryID: repoID, ParentID: parentID}
	if _, err := s.db.NewInsert().Model(file).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert file %q: %w", name, err)
	}
	return file.ID, nil
}

// FindFolderID returns the most recently inserted folder called name in the
// repository.
func (s *Store) FindFolderID(ctx context.Context, name string, repoID int64) (int64, error) {
	var id int64
	err := s.db.NewSelect().
		Model((*Folder)(nil)).
		Column("id").
		Where("repository_id = ?", repoID).
		Where("name = ?", name).
		Order("id DESC").
		Limit(1).
		Scan(ctx, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrFolderNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("find folder %q: %w", name, err)
	}
	return id, nil
}

// Folders returns the folder rows of a repository in insertion order.
func (s *Store) Folders(ctx context.Context, repoID int64) ([]Folder, error) {
	var folders []Folder
	err := s.db.NewSelect().
		Model(&folders).
		Where("repository_id = ?", repoID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// Files returns the file rows of a repository in insertion order.
func (s *Store) Files(ctx context.Context, repoID int64) ([]File, error) {
	var files []File
	err := s.db.NewSelect().
		Model(&files).
		Where("repository_id = ?", repoID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}
