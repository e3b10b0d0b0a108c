package launcher

import (
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

var CopyAppCmd = &cobra.Command{
	Use:   "copy-app <dest>",
	Short: "Copy application files into a directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		d := mustLoadDescriptor()
		n, err := copyApp(d, args[0], Config.StateDir)
		if err != nil {
			log.Fatalf("Failed to copy application files: %v", err)
		}
		log.Printf("Copied %d files to %s", n, args[0])
	},
}

// excluded reports whether rel matches one of the exclude patterns. A
// directory also matches when pattern "dir/**" names it.
func excluded(patterns []string, rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/x"); ok {
				return true
			}
		}
	}
	return false
}

// stateExcludes returns exclude patterns covering stateDir when it lives
// inside appDir, and nil otherwise
func stateExcludes(appDir, stateDir string) []string {
	srcRoot, err := filepath.Abs(appDir)
	if err != nil {
		return nil
	}
	stateRoot, err := filepath.Abs(stateDir)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(srcRoot, stateRoot)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	rel = globMeta.Replace(filepath.ToSlash(rel))
	return []string{rel, rel + "/**"}
}

var globMeta = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "{", `\{`)

// copyApp copies the regular files of d.AppDir into dest, skipping excluded
// paths and the skip directories, and returns the number of files copied
func copyApp(d Descriptor, dest string, skip ...string) (int, error) {
	for _, p := range d.Exclude {
		if !doublestar.ValidatePattern(p) {
			return 0, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}

	srcRoot, err := filepath.Abs(d.AppDir)
	if err != nil {
		return 0, err
	}
	destRoot, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", destRoot, err)
	}
	skipDirs := map[string]bool{destRoot: true}
	for _, dir := range skip {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return 0, err
		}
		skipDirs[abs] = true
	}

	count := 0
	err = filepath.WalkDir(srcRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcRoot {
			return nil
		}
		// The destination and the state directory may live inside the
		// application directory.
		if entry.IsDir() && skipDirs[path] {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if excluded(d.Exclude, rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(destRoot, rel)
		switch {
		case entry.IsDir():
			return os.MkdirAll(target, 0755)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to copy application files: %w", err)
	}
	return count, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
