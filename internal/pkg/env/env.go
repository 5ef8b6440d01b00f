package env

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultFiles are tried in order when Load gets no explicit paths.
var DefaultFiles = []string{
	".env",          // current directory
	"../../.env",    // from cmd/<binary> to project root
	"../../../.env", // deeper nesting
}

// Load reads the first .env file found into the process environment.
// Variables already set in the environment win. A missing file is not an
// error since containers pass everything through the environment.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = DefaultFiles
	}
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func GetEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}
