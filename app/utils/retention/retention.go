package retention

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"specimen-curator/app/config"
	"specimen-curator/app/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/robfig/cron/v3"
)

// Archiver takes ownership of an evicted file. group is the output type directory the
// file came from.
type Archiver interface {
	Archive(ctx context.Context, group, path string) error
}

// LocalArchiver moves evicted files under a local archive directory.
type LocalArchiver struct {
	dir string
}

func NewLocalArchiver(dir string) *LocalArchiver {
	return &LocalArchiver{dir: dir}
}

func (a *LocalArchiver) Archive(_ context.Context, group, path string) error {
	target := filepath.Join(a.dir, group, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := os.Rename(path, target); err == nil {
		return nil
	}
	// rename fails across devices
	if err := copyFile(path, target); err != nil {
		return err
	}
	return os.Remove(path)
}

// MinioArchiver uploads evicted files to an object store bucket.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(ctx context.Context, cfg config.MinioConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, group, path string) error {
	key := group + "/" + filepath.Base(path)
	if _, err := a.client.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return os.Remove(path)
}

// Trimmer caps the number of files kept in an output directory.
type Trimmer struct {
	maxFiles int
	archiver Archiver
	log      *logger.Logger
}

func NewTrimmer(maxFiles int, archiver Archiver, log *logger.Logger) *Trimmer {
	return &Trimmer{maxFiles: maxFiles, archiver: archiver, log: log}
}

// Trim archives the oldest files of dir until at most maxFiles remain. A cap of zero or
// less disables trimming.
func (t *Trimmer) Trim(ctx context.Context, dir string) error {
	if t.maxFiles <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	type file struct {
		path string
		mod  int64
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	if len(files) <= t.maxFiles {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].path < files[j].path
	})

	group := filepath.Base(dir)
	for _, f := range files[:len(files)-t.maxFiles] {
		if err := t.archiver.Archive(ctx, group, f.path); err != nil {
			return fmt.Errorf("archive %s: %w", f.path, err)
		}
		t.log.Debugf("archived %s", f.path)
	}
	return nil
}

// Sweeper periodically trims a fixed set of directories.
type Sweeper struct {
	cron    *cron.Cron
	trimmer *Trimmer
	dirs    []string
	log     *logger.Logger
}

func NewSweeper(schedule string, trimmer *Trimmer, dirs []string, log *logger.Logger) (*Sweeper, error) {
	s := &Sweeper{cron: cron.New(), trimmer: trimmer, dirs: dirs, log: log}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep trims every directory once.
func (s *Sweeper) Sweep() {
	for _, dir := range s.dirs {
		if err := s.trimmer.Trim(context.Background(), dir); err != nil {
			s.log.Warnf("retention sweep of %s: %v", dir, err)
		}
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
