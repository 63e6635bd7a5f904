package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/saat/internal/store"
)

const (
	backupDBName        = "saat.db"
	backupPipelinesName = "pipelines"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: saat backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	size, err := writeBackup(db, cfg.Broker.PipelinesDir, outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Backup complete: %s\n", formatSize(size))
	return nil
}

// writeBackup archives a database snapshot and the pipelines directory
// into a zstd compressed tarball and returns its size.
func writeBackup(db *store.Store, pipelinesDir, outputPath string) (int64, error) {
	staging, err := os.MkdirTemp("", "saat-backup-")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := db.Snapshot(filepath.Join(staging, backupDBName)); err != nil {
		return 0, err
	}

	if pipelinesDir != "" {
		if _, err := os.Stat(pipelinesDir); err == nil {
			if err := os.CopyFS(filepath.Join(staging, backupPipelinesName), os.DirFS(pipelinesDir)); err != nil {
				return 0, fmt.Errorf("stage pipelines: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return 0, fmt.Errorf("stat pipelines dir: %w", err)
		} else {
			slog.Warn("pipelines directory not found, skipping", "dir", pipelinesDir)
		}
	}

	tarStream, err := goarchive.TarWithOptions(staging, &goarchive.TarOptions{})
	if err != nil {
		return 0, fmt.Errorf("create tar: %w", err)
	}
	defer tarStream.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	if _, err := io.Copy(zw, tarStream); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}

	// Close everything explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: saat restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	n, err := restoreBackup(inputPath, cfg.Store.Path, cfg.Broker.PipelinesDir, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: database and %d pipeline files\n", n)
	return nil
}

// restoreBackup unpacks an archive written by writeBackup. Existing files
// are left alone unless overwrite is set. It returns the number of
// pipeline files restored.
func restoreBackup(inputPath, dbPath, pipelinesDir string, overwrite bool) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	staging, err := os.MkdirTemp("", "saat-restore-")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := goarchive.UntarUncompressed(zr, staging, &goarchive.TarOptions{NoLchown: true}); err != nil {
		return 0, fmt.Errorf("extract archive: %w", err)
	}

	stagedDB := filepath.Join(staging, backupDBName)
	if _, err := os.Stat(stagedDB); err != nil {
		return 0, fmt.Errorf("archive has no %s", backupDBName)
	}

	var pipelineFiles []string
	stagedPipelines := filepath.Join(staging, backupPipelinesName)
	if _, err := os.Stat(stagedPipelines); err == nil {
		err := filepath.WalkDir(stagedPipelines, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(stagedPipelines, p)
			if err != nil {
				return err
			}
			pipelineFiles = append(pipelineFiles, rel)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("scan pipelines: %w", err)
		}
	}

	// Check for existing files before touching anything
	if !overwrite {
		targets := []string{dbPath}
		for _, rel := range pipelineFiles {
			targets = append(targets, filepath.Join(pipelinesDir, rel))
		}
		for _, t := range targets {
			if _, err := os.Stat(t); err == nil {
				return 0, fmt.Errorf("%s already exists, add -overwrite to replace files", t)
			}
		}
	}

	// Stale WAL files would be replayed on top of the restored database
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("remove %s: %w", dbPath+suffix, err)
		}
	}
	if err := copyFile(stagedDB, dbPath); err != nil {
		return 0, fmt.Errorf("restore database: %w", err)
	}
	slog.Info("restored database", "path", dbPath)

	for _, rel := range pipelineFiles {
		if err := copyFile(filepath.Join(stagedPipelines, rel), filepath.Join(pipelinesDir, rel)); err != nil {
			return 0, fmt.Errorf("restore pipeline %s: %w", rel, err)
		}
	}
	return len(pipelineFiles), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
