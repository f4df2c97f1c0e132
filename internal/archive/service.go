// Package archive keeps git-backed backup snapshots of whole books, one
// commit per snapshot, for the folioctl backup and restore commands.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"folio/api/internal/content"
	"folio/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// BookSnapshot is the full exportable state of one book.
type BookSnapshot struct {
	Book     store.Book        `json:"book"`
	Chapters []ChapterSnapshot `json:"chapters"`
	TakenAt  time.Time         `json:"takenAt"`
}

// ChapterSnapshot carries one chapter with every stored version.
type ChapterSnapshot struct {
	Chapter  store.Chapter     `json:"chapter"`
	Versions []VersionSnapshot `json:"versions"`
}

// VersionSnapshot pairs a version row with its structured document.
type VersionSnapshot struct {
	Row      store.ChapterVersion `json:"row"`
	Document content.Document     `json:"document"`
}

// CommitInfo describes one snapshot commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages the snapshot repository.
type Service struct {
	baseDir string
	mu      sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir}
}

// EnsureRepo initializes the snapshot repository if it does not exist yet.
func (s *Service) EnsureRepo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.baseDir, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat archive path: %w", err)
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	repo, err := git.PlainInit(s.baseDir, false)
	if err != nil {
		return fmt.Errorf("init archive repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	readme := []byte("Folio backup snapshots. One commit per backup, one JSON file per book.\n")
	if err := os.WriteFile(filepath.Join(s.baseDir, "README"), readme, 0o644); err != nil {
		return fmt.Errorf("write archive readme: %w", err)
	}
	if _, err := worktree.Add("README"); err != nil {
		return fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize archive", &git.CommitOptions{
		Author: signature("folio"),
	})
	if err != nil {
		return fmt.Errorf("commit archive baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// WriteSnapshot commits the snapshot as books/<id>.json.
func (s *Service) WriteSnapshot(snapshot BookSnapshot, author string) (CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open archive repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	relPath := snapshotPath(snapshot.Book.ID)
	fullPath := filepath.Join(s.baseDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create books dir: %w", err)
	}
	if err := os.WriteFile(fullPath, append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write snapshot file: %w", err)
	}

	if _, err := worktree.Add(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("Backup %s (%s)", snapshot.Book.Title, snapshot.Book.ID)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// ListSnapshots returns the snapshot history, newest first.
func (s *Service) ListSnapshots(limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ReadSnapshot loads one book's snapshot at the given commit hash.
// An empty hash reads from the head of main.
func (s *Service) ReadSnapshot(bookID, hash string) (BookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("open archive repo: %w", err)
	}

	var commitHash plumbing.Hash
	if hash == "" {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
		if err != nil {
			return BookSnapshot{}, fmt.Errorf("resolve main: %w", err)
		}
		commitHash = ref.Hash()
	} else {
		commitHash, err = resolveHash(repo, hash)
		if err != nil {
			return BookSnapshot{}, err
		}
	}

	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(snapshotPath(bookID))
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("load snapshot for %s from commit: %w", bookID, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return BookSnapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snapshot BookSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return BookSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func snapshotPath(bookID string) string {
	return filepath.Join("books", bookID+".json")
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.folio.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
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
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
