package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cwsearch/pkg/contract"
)

// Options 为观测数据发现的可选配置（最小必要）。
type Options struct {
	// Detector: 可选探测器约束（例如 H1），仅保留基名含 "_<detector>_" 的文件。
	Detector string `yaml:"detector,omitempty" json:"detector,omitempty"`
	// Recursive: 是否递归子目录。默认 false（与 <dir>/*_<label>*sft 语义一致）。
	Recursive bool `yaml:"recursive,omitempty" json:"recursive,omitempty"`
	// ExcludeDirNames: 递归时跳过这些目录名（基名，大小写不敏感）。
	ExcludeDirNames []string `yaml:"exclude_dir_names,omitempty" json:"exclude_dir_names,omitempty"`
}

// FileSystem 在本地目录中发现观测数据文件；不解析文件内容。
type FileSystem struct {
	detector   string
	recursive  bool
	excludeDir map[string]struct{}
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	r := &FileSystem{excludeDir: make(map[string]struct{})}
	if opts == nil {
		return r
	}
	r.detector = strings.TrimSpace(opts.Detector)
	r.recursive = opts.Recursive
	for _, name := range opts.ExcludeDirNames {
		if name == "" {
			continue
		}
		r.excludeDir[strings.ToLower(name)] = struct{}{}
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Pattern 返回基名匹配模式 *_<label>*sft。
func Pattern(label string) string { return "*_" + label + "*sft" }

// Discover 返回 dir 下匹配 label 的常规文件（含指向常规文件的符号链接），按 FileID 排序。
// 无匹配时返回包装 contract.ErrDataUnavailable 的错误。
func (r *FileSystem) Discover(ctx context.Context, dir, label string) ([]contract.FileID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(label) == "" {
		return nil, fmt.Errorf("empty data label: %w", contract.ErrConfig)
	}
	pat := Pattern(label)
	if _, err := filepath.Match(pat, ""); err != nil {
		return nil, fmt.Errorf("data label %q: %v: %w", label, err, contract.ErrConfig)
	}
	var out []contract.FileID
	if err := r.walkDir(ctx, dir, pat, &out); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("data dir %s: %w", dir, contract.ErrDataUnavailable)
		}
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no data matching %s: %w", filepath.Join(dir, pat), contract.ErrDataUnavailable)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *FileSystem) walkDir(ctx context.Context, dir, pat string, out *[]contract.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if !r.recursive {
				continue
			}
			if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
				continue
			}
			if err := r.walkDir(ctx, p, pat, out); err != nil {
				return err
			}
			continue
		}
		if ok, _ := filepath.Match(pat, e.Name()); !ok {
			continue
		}
		if r.detector != "" && !strings.Contains(e.Name(), "_"+r.detector+"_") {
			continue
		}
		// 符号链接仅跟随到常规文件；设备/管道等跳过
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		*out = append(*out, contract.NormalizeFileID(p))
	}
	return nil
}

// OldestModTime 返回文件中最早的修改时间（作为数据新鲜度时间戳）。
func OldestModTime(ids []contract.FileID) (time.Time, error) {
	var oldest time.Time
	for i, id := range ids {
		st, err := os.Stat(filepath.FromSlash(string(id)))
		if err != nil {
			return time.Time{}, err
		}
		if i == 0 || st.ModTime().Before(oldest) {
			oldest = st.ModTime()
		}
	}
	return oldest, nil
}
