package platform

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode"

	"github.com/ytget/dlsched/internal/model"
)

// File permissions
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Artifact naming
const (
	PartialSuffix     = ".part"
	DefaultExtension  = ".bin"
	MaxFileNameLength = 120
)

// Temporary files left by transfers, never reported as finished artifacts
var (
	SkippedExtensions = []string{".part", ".ytdl"}
)

// ErrUnsafeDestination rejects destinations that leave the download directory
var ErrUnsafeDestination = errors.New("destination must be a relative path inside the download directory")

// CheckDestination accepts an empty destination or a relative path that stays
// inside the download directory once cleaned. Destinations from untrusted
// callers go through it before they reach a task.
func CheckDestination(dest string) error {
	if dest == "" {
		return nil
	}
	if !filepath.IsLocal(dest) {
		return fmt.Errorf("%w: %q", ErrUnsafeDestination, dest)
	}
	return nil
}

// CreateDirectoryIfNotExists creates directory if it doesn't exist
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// GetHomeDownloadsDir returns the standard Downloads directory for the user
func GetHomeDownloadsDir() (string, error) {
	isAndroid := runtime.GOOS == "android" ||
		os.Getenv("ANDROID_DATA") != "" ||
		os.Getenv("ANDROID_ROOT") != ""
	if isAndroid {
		return "/sdcard/Download", nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, "Downloads"), nil
}

// DestinationFor returns the final artifact path of a task. An explicit
// Destination wins, relative ones resolved under dir; otherwise the name
// comes from the title or the URL.
func DestinationFor(dir string, task model.Task) string {
	if task.Destination != "" {
		if filepath.IsAbs(task.Destination) {
			return task.Destination
		}
		return filepath.Join(dir, task.Destination)
	}

	name, ext := nameFromURL(task.URL)
	if task.Title != "" {
		name = task.Title
	}
	name = SanitizeFileName(name)
	if name == "" {
		name = SanitizeFileName(task.ID)
	}
	if ext == "" {
		ext = DefaultExtension
	}
	return filepath.Join(dir, name+ext)
}

// PartialPath returns where an unfinished transfer of dest is kept
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// SanitizeFileName keeps letters, digits, dot, dash and underscore; other
// runs collapse into a single underscore.
func SanitizeFileName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > MaxFileNameLength {
		out = strings.TrimRight(out[:MaxFileNameLength], "._")
	}
	return out
}

func nameFromURL(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return "", ""
	}
	base := path.Base(p)
	ext := path.Ext(base)
	if len(ext) > 6 {
		ext = ""
	}
	return strings.TrimSuffix(base, ext), ext
}

// FindArtifact locates the file a transfer produced for target. Tools like
// yt-dlp pick the extension themselves, so when target does not exist the
// directory is searched for a finished file sharing its base name; the most
// recently modified match wins.
func FindArtifact(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if strings.HasPrefix(target, "http") {
		return "", fmt.Errorf("file path appears to be a URL: %s", target)
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	dir := filepath.Dir(target)
	base := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() || isTemporary(entry.Name()) {
			continue
		}
		name := entry.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == base {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("file not found: %s", target)
	}

	sort.Slice(candidates, func(i, j int) bool {
		infoI, errI := os.Stat(candidates[i])
		infoJ, errJ := os.Stat(candidates[j])
		if errI != nil || errJ != nil {
			return candidates[i] < candidates[j]
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})
	return candidates[0], nil
}

func isTemporary(name string) bool {
	for _, ext := range SkippedExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
