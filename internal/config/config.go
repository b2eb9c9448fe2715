package config

import (
	"database/sql"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Config carries every tunable the service recognizes. Values come from the
// environment first and may be overridden by rows in the settings table.
type Config struct {
	Port        int
	DatabaseURL string
	RedisAddr   string

	DownloadRoot string
	AudioDirName string
	VideoDirName string
	CacheDir     string
	YTDLPPath    string

	DefaultMediaFormat string

	// Worker counts per queue
	WorkersDB    int
	WorkersFS    int
	WorkersNet   int
	WorkersLimit int

	MaxDownloads     int
	TaskHistoryDays  int
	HDCutoffHeight   int
	MinFallbackHeight int
	EnglishLangs     []string
	SponsorCategories []string

	UpgradeResolution bool
	RenameAllSources  bool
	RenameDirs        []string
	ShrinkMetadata    bool
}

func Load() *Config {
	return &Config{
		Port:        envInt("PORT", 4848),
		DatabaseURL: env("DATABASE_URL", "postgres://fetcharr:fetcharr@db:5432/fetcharr?sslmode=disable"),
		RedisAddr:   env("REDIS_ADDR", "redis:6379"),

		DownloadRoot: env("DOWNLOAD_ROOT", "/downloads"),
		AudioDirName: env("AUDIO_DIR_NAME", "audio"),
		VideoDirName: env("VIDEO_DIR_NAME", "video"),
		CacheDir:     env("CACHE_DIR", "/cache"),
		YTDLPPath:    env("YTDLP_PATH", "yt-dlp"),

		DefaultMediaFormat: env("DEFAULT_MEDIA_TEMPLATE", "{yyyy_mm_dd}_{source}_{title}_{key}_{format}.{ext}"),

		WorkersDB:    envInt("WORKERS_DB", 8),
		WorkersFS:    envInt("WORKERS_FS", 2),
		WorkersNet:   envInt("WORKERS_NET", 4),
		WorkersLimit: envInt("WORKERS_LIMIT", 1),

		MaxDownloads:      envInt("MAX_DOWNLOADS", 1),
		TaskHistoryDays:   envInt("TASK_HISTORY_DAYS", 30),
		HDCutoffHeight:    envInt("HD_CUTOFF", 500),
		MinFallbackHeight: envInt("MIN_HEIGHT", 240),
		EnglishLangs:      envList("ENGLISH_LANGS", "en,en-US,en-GB"),
		SponsorCategories: envList("SPONSOR_CATEGORIES", "sponsor"),

		UpgradeResolution: envBool("UPGRADE_RESOLUTION", false),
		RenameAllSources:  envBool("RENAME_ALL_SOURCES", false),
		RenameDirs:        envList("RENAME_DIRS", ""),
		ShrinkMetadata:    envBool("SHRINK_METADATA", false),
	}
}

// MergeFromDB overlays settings rows onto the environment-derived config.
// Missing table or rows are not an error; the UI may not have written any.
func (c *Config) MergeFromDB(db *sql.DB) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		log.Printf("config: skipping DB merge: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		switch key {
		case "default_media_template":
			c.DefaultMediaFormat = value
		case "max_downloads":
			c.MaxDownloads = cast.ToInt(value)
		case "task_history_days":
			c.TaskHistoryDays = cast.ToInt(value)
		case "hd_cutoff":
			c.HDCutoffHeight = cast.ToInt(value)
		case "min_height":
			c.MinFallbackHeight = cast.ToInt(value)
		case "upgrade_resolution":
			c.UpgradeResolution = cast.ToBool(value)
		case "rename_all_sources":
			c.RenameAllSources = cast.ToBool(value)
		case "rename_dirs":
			c.RenameDirs = splitList(value)
		case "shrink_metadata":
			c.ShrinkMetadata = cast.ToBool(value)
		case "sponsor_categories":
			c.SponsorCategories = splitList(value)
		}
	}
}

// RenameEnabled reports whether automatic renames apply to the given source
// directory.
func (c *Config) RenameEnabled(sourceDir string) bool {
	if c.RenameAllSources {
		return true
	}
	for _, dir := range c.RenameDirs {
		if dir == sourceDir {
			return true
		}
	}
	return false
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key, fallback string) []string {
	return splitList(env(key, fallback))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
