package log

// Config controls the global slog logger.
type Config struct {
	Level  string         `mapstructure:"level" yaml:"level"`   // debug|info|warn|error
	Format string         `mapstructure:"format" yaml:"format"` // json|text
	Output OutputConfig   `mapstructure:"output" yaml:"output"`
}

// OutputConfig selects where log lines go: stdout, a rotated file, or
// both. With no FilePath, lines go to stdout whatever Stdout says.
type OutputConfig struct {
	Stdout bool `mapstructure:"stdout" yaml:"stdout"`

	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}
