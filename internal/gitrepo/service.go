// Package gitrepo archives every published content version as a git commit, one repository per content key.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"hemtjanst/api/internal/content"
	"hemtjanst/api/internal/store"
)

// Snapshot is the file stored per locale.
type Snapshot struct {
	Key    string         `json:"key"`
	Locale string         `json:"locale"`
	Fields content.Fields `json:"fields"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ContentPublished archives the published payload of block.
func (s *Service) ContentPublished(_ context.Context, block content.Block) error {
	_, _, err := s.Archive(block)
	return err
}

// Archive commits the block's published fields. When nothing changed since the last archived version
// it returns the existing head and created is false.
func (s *Service) Archive(block content.Block) (CommitInfo, bool, error) {
	lock := s.keyLock(block.Key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(block.Key)
	if err != nil {
		return CommitInfo{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}

	fields := block.Published
	if fields == nil {
		fields = content.Fields{}
	}
	payload, err := json.MarshalIndent(Snapshot{Key: block.Key, Locale: block.Locale, Fields: fields}, "", "  ")
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	name := fileName(block.Locale)
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), name), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add %s: %w", name, err)
	}

	author := block.PublishedBy
	if author == "" {
		author = "system"
	}
	when := time.Now()
	if block.PublishedAt != nil {
		when = *block.PublishedAt
	}
	hash, err := worktree.Commit(fmt.Sprintf("Publish %s/%s", block.Key, block.Locale), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@publish.hemtjanst.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return CommitInfo{}, false, fmt.Errorf("read head: %w", headErr)
		}
		commitObj, headErr := repo.CommitObject(head.Hash())
		if headErr != nil {
			return CommitInfo{}, false, fmt.Errorf("read head commit: %w", headErr)
		}
		return toCommitInfo(commitObj), false, nil
	}
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// History lists archived versions of one locale, newest first. An unknown key is store.ErrNotFound.
func (s *Service) History(key, locale string, limit int) ([]CommitInfo, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	name := fileName(locale)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &name})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads the archived snapshot of one locale at a commit (full or abbreviated hash).
func (s *Service) ContentAt(key, locale, hash string) (Snapshot, CommitInfo, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("%w: commit %s", store.ErrNotFound, hash)
	}
	snapshot, err := readSnapshot(commitObj, fileName(locale))
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj), nil
}

func (s *Service) open(key string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: no history for %s", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(key string) (*git.Repository, error) {
	path := s.repoPath(key)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(key string) string {
	return filepath.Join(s.baseDir, url.PathEscape(key))
}

func (s *Service) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func fileName(locale string) string {
	return url.PathEscape(locale) + ".json"
}

func readSnapshot(commitObj *object.Commit, name string) (Snapshot, error) {
	file, err := commitObj.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s not in commit", store.ErrNotFound, name)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: resolve hash %s: %v", store.ErrNotFound, hash, err)
	}
	return *resolved, nil
}
