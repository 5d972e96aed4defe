package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		API: APIConfig{
			BaseURL:        "http://localhost:3001/api",
			TimeoutSeconds: 30,
			UserAgent:      "chatsync",
		},
		Auth: AuthConfig{
			SessionURL: "http://localhost:3000/api/auth/session",
			LoginURL:   "http://localhost:3000/login",
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMs: 1000,
		},
		Attachments: AttachmentsConfig{
			MaxFileSize:  5 * 1024 * 1024,
			AllowedTypes: defaultAllowedTypes(),
		},
		Cache: CacheConfig{
			Enabled: true,
			DBPath:  "~/.chatsync/cache.db",
		},
		Feed: FeedConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
			Path:    "/ws",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func defaultAllowedTypes() []string {
	return []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
}
