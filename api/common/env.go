package common

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GetEnv looks up a key under its name in env or name+_FILE to read the value
// from a file. fallback will be defaulted to if a value is not found.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	} else if value, ok := os.LookupEnv(key + "_FILE"); ok {
		dat, err := ioutil.ReadFile(filepath.Clean(value))
		if err == nil {
			return strings.TrimSpace(string(dat))
		}
	}
	return fallback
}

// GetEnvInt is GetEnv for integers. Unparsable values are logged and the
// fallback is used.
func GetEnvInt(key string, fallback int) int {
	value := GetEnv(key, "")
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"string": value, "environment_key": key}).Warn("Failed to convert string to int, using default")
		return fallback
	}
	return i
}

// GetEnvDuration looks up a key under its name in env. If an integer is
// provided, the value will be returned in seconds (value * time.Second).
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	tmp := GetEnv(key, "")
	if tmp == "" {
		return fallback
	}
	res, err := time.ParseDuration(tmp)
	if err == nil {
		return res
	}
	s, perr := strconv.Atoi(tmp)
	if perr != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"duration_string": tmp, "environment_key": key}).Warn("Failed to parse duration from env, using default")
		return fallback
	}
	return time.Duration(s) * time.Second
}
