package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"folio/api/internal/archive"
	"folio/api/internal/config"
	"folio/api/internal/content"
	"folio/api/internal/store"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "folioctl",
		Short:         "Operational tooling for the Folio API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(backupCommand())
	root.AddCommand(backupsCommand())
	root.AddCommand(restoreCommand())
	return root
}

// ctlStore is the slice of the database store the commands need.
type ctlStore interface {
	ListAllBooks(ctx context.Context) ([]store.Book, error)
	GetBook(ctx context.Context, bookID string) (store.Book, error)
	InsertBook(ctx context.Context, book store.Book) error
	GetChapter(ctx context.Context, chapterID string) (store.Chapter, error)
	InsertChapter(ctx context.Context, chapter store.Chapter) error
	ListChapters(ctx context.Context, bookID string) ([]store.Chapter, error)
	ListChapterLanguages(ctx context.Context, chapterID string) ([]string, error)
	ListChapterVersions(ctx context.Context, chapterID, language string) ([]store.ChapterVersion, error)
	InsertChangeLog(ctx context.Context, entry store.ChangeLogEntry) (int64, error)
}

// env holds the shared service handles the commands need.
type env struct {
	db      *sql.DB
	store   ctlStore
	content *content.Service
	archive *archive.Service
}

func openEnv(ctx context.Context, cfg config.Config) (*env, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	objects, err := content.NewMinioStore(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("object storage connection failed: %w", err)
	}

	archiveSvc := archive.New(cfg.ArchiveDir)
	if err := archiveSvc.EnsureRepo(); err != nil {
		db.Close()
		return nil, err
	}

	return &env{
		db:      db,
		store:   dataStore,
		content: content.New(objects, dataStore),
		archive: archiveSvc,
	}, nil
}

func (e *env) Close() {
	e.db.Close()
}

func backupCommand() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "backup [bookID...]",
		Short: "Snapshot books into the archive repository",
		Long:  "Writes one commit per book holding every chapter version in every language. With no arguments, every book is backed up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, config.Load())
			if err != nil {
				return err
			}
			defer e.Close()

			books, err := e.selectBooks(ctx, args)
			if err != nil {
				return err
			}
			for _, book := range books {
				snapshot, err := e.buildSnapshot(ctx, book)
				if err != nil {
					return fmt.Errorf("snapshot %s: %w", book.ID, err)
				}
				info, err := e.archive.WriteSnapshot(snapshot, author)
				if err != nil {
					return fmt.Errorf("write snapshot %s: %w", book.ID, err)
				}
				fmt.Printf("%s  %s (%d chapters)\n", info.Hash, book.Title, len(snapshot.Chapters))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "folioctl", "author recorded on the snapshot commits")
	return cmd
}

func backupsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List snapshot history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			archiveSvc := archive.New(cfg.ArchiveDir)
			if err := archiveSvc.EnsureRepo(); err != nil {
				return err
			}
			items, err := archiveSvc.ListSnapshots(limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s  %s  %s  %s\n", item.Hash, item.CreatedAt.Format(time.RFC3339), item.Author, item.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of snapshots to list")
	return cmd
}

func restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <bookID> [hash]",
		Short: "Re-import a book snapshot as new content versions",
		Long:  "Reads the snapshot at the given commit (head of main when omitted) and writes each chapter's newest document back as a fresh version. Existing versions are never touched.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bookID := args[0]
			hash := ""
			if len(args) == 2 {
				hash = args[1]
			}

			e, err := openEnv(ctx, config.Load())
			if err != nil {
				return err
			}
			defer e.Close()

			snapshot, err := e.archive.ReadSnapshot(bookID, hash)
			if err != nil {
				return err
			}
			restored, err := e.restoreSnapshot(ctx, snapshot)
			if err != nil {
				return err
			}
			fmt.Printf("restored %s: %d versions written\n", snapshot.Book.Title, restored)
			return nil
		},
	}
}

func (e *env) selectBooks(ctx context.Context, ids []string) ([]store.Book, error) {
	if len(ids) == 0 {
		return e.store.ListAllBooks(ctx)
	}
	books := make([]store.Book, 0, len(ids))
	for _, id := range ids {
		book, err := e.store.GetBook(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("book %s: %w", id, err)
		}
		books = append(books, book)
	}
	return books, nil
}

func (e *env) buildSnapshot(ctx context.Context, book store.Book) (archive.BookSnapshot, error) {
	chapters, err := e.store.ListChapters(ctx, book.ID)
	if err != nil {
		return archive.BookSnapshot{}, err
	}

	snapshot := archive.BookSnapshot{
		Book:    book,
		TakenAt: time.Now().UTC(),
	}
	for _, chapter := range chapters {
		chapterSnap := archive.ChapterSnapshot{Chapter: chapter}
		languages, err := e.store.ListChapterLanguages(ctx, chapter.ID)
		if err != nil {
			return archive.BookSnapshot{}, err
		}
		for _, language := range languages {
			rows, err := e.store.ListChapterVersions(ctx, chapter.ID, language)
			if err != nil {
				return archive.BookSnapshot{}, err
			}
			for _, row := range rows {
				doc, err := e.content.GetVersion(ctx, chapter.ID, language, row.Version)
				if err != nil {
					return archive.BookSnapshot{}, fmt.Errorf("load %s %s v%d: %w", chapter.ID, language, row.Version, err)
				}
				chapterSnap.Versions = append(chapterSnap.Versions, archive.VersionSnapshot{
					Row:      row,
					Document: doc,
				})
			}
		}
		snapshot.Chapters = append(snapshot.Chapters, chapterSnap)
	}
	return snapshot, nil
}

// restoreSnapshot writes each chapter's newest snapshotted document per
// language back as a new version, appending a RESTORED changelog row for each.
// Missing book and chapter rows are recreated first so a restore works after
// data loss.
func (e *env) restoreSnapshot(ctx context.Context, snapshot archive.BookSnapshot) (int, error) {
	if _, err := e.store.GetBook(ctx, snapshot.Book.ID); errors.Is(err, sql.ErrNoRows) {
		log.Printf("recreating book row %s", snapshot.Book.ID)
		if err := e.store.InsertBook(ctx, snapshot.Book); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	restored := 0
	for _, chapterSnap := range snapshot.Chapters {
		chapter := chapterSnap.Chapter
		if _, err := e.store.GetChapter(ctx, chapter.ID); errors.Is(err, sql.ErrNoRows) {
			log.Printf("recreating chapter row %s", chapter.ID)
			if err := e.store.InsertChapter(ctx, chapter); err != nil {
				return restored, err
			}
		} else if err != nil {
			return restored, err
		}

		for _, doc := range newestPerLanguage(chapterSnap.Versions) {
			note := fmt.Sprintf("restored from backup of %s", snapshot.TakenAt.Format(time.RFC3339))
			row, err := e.content.PutVersion(ctx, doc, "folioctl", note)
			if err != nil {
				return restored, fmt.Errorf("restore %s %s: %w", chapter.ID, doc.Language, err)
			}
			if _, err := e.store.InsertChangeLog(ctx, store.ChangeLogEntry{
				BookID:      snapshot.Book.ID,
				ChapterID:   chapter.ID,
				Language:    doc.Language,
				Action:      "RESTORED",
				FromVersion: row.Version - 1,
				ToVersion:   row.Version,
				Actor:       "folioctl",
			}); err != nil {
				return restored, fmt.Errorf("log restore %s %s: %w", chapter.ID, doc.Language, err)
			}
			restored++
		}
	}
	return restored, nil
}

func newestPerLanguage(versions []archive.VersionSnapshot) []content.Document {
	latest := make(map[string]archive.VersionSnapshot)
	for _, v := range versions {
		if current, ok := latest[v.Row.Language]; !ok || v.Row.Version > current.Row.Version {
			latest[v.Row.Language] = v
		}
	}
	docs := make([]content.Document, 0, len(latest))
	for _, v := range latest {
		docs = append(docs, v.Document)
	}
	return docs
}
