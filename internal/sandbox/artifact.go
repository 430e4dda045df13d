package sandbox

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Artifact 是提交到共享卷的代码产物。Version 由内容摘要派生，内容不变则版本不变。
type Artifact struct {
	Version     string    `json:"version"`
	Digest      string    `json:"digest"`
	Source      string    `json:"source"`
	Files       int       `json:"files"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
}

// treeDomainKey 为目录摘要提供独立的哈希域，ASCII 补零到 32 字节。
var treeDomainKey = [32]byte{
	'm', 'o', 'n', 'i', 'o', 's', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.',
	't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// 打包时忽略的目录和文件。
var ignoredNames = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
	".venv":        true,
	".DS_Store":    true,
}

// LoadArtifact 遍历目录并计算 BLAKE3 摘要。路径和内容都参与摘要，遍历顺序固定。
func LoadArtifact(dir string) (Artifact, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Artifact{}, fmt.Errorf("读取代码产物目录失败: %w", err)
	}
	if !info.IsDir() {
		return Artifact{}, fmt.Errorf("代码产物路径 %s 不是目录", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ignoredNames[d.Name()] && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("遍历代码产物目录失败: %w", err)
	}
	sort.Strings(files)

	hasher, err := blake3.NewKeyed(treeDomainKey[:])
	if err != nil {
		return Artifact{}, fmt.Errorf("初始化 BLAKE3 失败: %w", err)
	}
	var lenBuf [8]byte
	for _, rel := range files {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(rel)))
		hasher.Write(lenBuf[:])
		hasher.Write([]byte(rel))
		if err := hashFile(hasher, filepath.Join(dir, filepath.FromSlash(rel)), lenBuf[:]); err != nil {
			return Artifact{}, err
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return Artifact{
		Version: VersionFromDigest(digest),
		Digest:  digest,
		Source:  abs,
		Files:   len(files),
	}, nil
}

func hashFile(hasher *blake3.Hasher, path string, lenBuf []byte) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	binary.BigEndian.PutUint64(lenBuf, uint64(stat.Size()))
	hasher.Write(lenBuf)
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return nil
}

// VersionFromDigest 返回摘要的短格式版本号。
func VersionFromDigest(digest string) string {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return "art-" + digest
}
