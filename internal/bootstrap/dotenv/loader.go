package dotenv

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/joho/godotenv"
)

var once sync.Once

// LoadOnce loads environment variables from a .env file exactly once per
// process. Priority:
// 1) ENV_FILE if set (single path)
// 2) .env walking up from this source file to the repo root
// 3) .env in the current working directory
// Skips entirely when NO_DOTENV=1. Existing OS/CI variables win unless
// DOTENV_OVERLOAD=1.
func LoadOnce() {
	once.Do(load)
}

func load() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	overload := os.Getenv("DOTENV_OVERLOAD") == "1"
	apply := func(paths ...string) {
		if overload {
			_ = godotenv.Overload(paths...)
		} else {
			_ = godotenv.Load(paths...)
		}
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		apply(envFile)
		return
	}

	if _, file, _, ok := runtime.Caller(0); ok {
		dir := filepath.Dir(file)
		for i := 0; i < 8; i++ {
			apply(filepath.Join(dir, ".env"))
			if exists(filepath.Join(dir, "go.mod")) || exists(filepath.Join(dir, ".git")) {
				return
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		return
	}

	apply(".env")
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
