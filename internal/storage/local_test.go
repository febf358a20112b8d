package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.txt")
	content := []byte("hello world")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	objectPath := "test/object.txt"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "nested", "downloaded.txt")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected object to be deleted")
	}
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	err = storage.Download(context.Background(), "missing.parquet", filepath.Join(t.TempDir(), "x"))
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	for _, p := range []string{"gl.parquet/a.parquet", "gl.parquet/b.parquet", "tb.parquet/a.parquet"} {
		full := filepath.Join(baseDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	objects, err := storage.ListObjects(context.Background(), "gl.parquet")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	sort.Strings(objects)
	if len(objects) != 2 || objects[0] != "gl.parquet/a.parquet" || objects[1] != "gl.parquet/b.parquet" {
		t.Errorf("unexpected objects: %v", objects)
	}

	objects, err = storage.ListObjects(context.Background(), "missing")
	if err != nil || len(objects) != 0 {
		t.Errorf("missing prefix: objects=%v err=%v", objects, err)
	}
}

func TestLocalStorage_PublishReplacesDataset(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	publish := func(files ...string) {
		t.Helper()
		dir, err := storage.StagingDir("report.parquet")
		if err != nil {
			t.Fatalf("StagingDir failed: %v", err)
		}
		if filepath.Dir(dir) != baseDir {
			t.Fatalf("staging dir %s should live next to the dataset", dir)
		}
		for _, f := range files {
			if err := os.WriteFile(filepath.Join(dir, f), []byte(f), 0644); err != nil {
				t.Fatal(err)
			}
		}
		if err := storage.Publish(ctx, dir, "report.parquet"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	publish("part-00000.parquet", "part-00001.parquet", "part-00002.parquet")
	publish("part-00000.parquet")

	entries, err := os.ReadDir(filepath.Join(baseDir, "report.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "part-00000.parquet" {
		t.Errorf("stale files survived publish: %v", entries)
	}

	root, err := os.ReadDir(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 {
		t.Errorf("staging or previous dataset left behind: %v", root)
	}
}
