// v0
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/circuitbreaker"
	"nrgchamp/tagfusion/internal/fusion"
)

// Config captures all runtime settings required by the tag fusion
// service. Values can be provided by environment variables, a properties
// file, or fall back to defaults matching the deployed receivers.
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	// LogFilePath is the absolute or relative path to the log file.
	LogFilePath string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// HTTPReadTimeout bounds the time to read incoming requests.
	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout bounds the time to write responses.
	HTTPWriteTimeout time.Duration
	// ShutdownTimeout limits graceful shutdown attempts.
	ShutdownTimeout time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string

	// ReferencePower is the RSSI measured at one metre, in dBm.
	ReferencePower float64
	// PathLossExponent is the environment exponent of the path loss model.
	PathLossExponent float64
	// SmoothingWindowSize bounds the per-key RSSI history.
	SmoothingWindowSize int
	// StalenessTimeout evicts anchors that stopped reporting.
	StalenessTimeout time.Duration
	// VoteCollectionPeriod is the part of each interval that records votes.
	VoteCollectionPeriod time.Duration
	// ElectionInterval is the period between ballot openings.
	ElectionInterval time.Duration
	// TickInterval paces eviction and solving.
	TickInterval time.Duration
	// DedupKey is "tag" or "tag_receiver". With "tag" a receiver with a
	// higher sequence counter suppresses lower counters from other
	// receivers of the same tag; use "tag_receiver" when receivers number
	// sightings independently.
	DedupKey string
	// SmoothingKey is "tag" or "tag_receiver".
	SmoothingKey string
	// InboxSize bounds the transport-to-pipeline queue.
	InboxSize int
	// SolverMaxIterations caps Levenberg-Marquardt iterations.
	SolverMaxIterations int

	// Anchors is the merged anchor table from properties, env and file.
	Anchors []anchor.Anchor
	// AnchorsPath optionally points at a YAML anchor file.
	AnchorsPath string

	// MQTTBroker is the broker URL; empty disables MQTT.
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      byte
	// VotesTopic is the subscription filter for receiver sightings.
	VotesTopic          string
	WinnerTopicPrefix   string
	LocationTopicPrefix string
	AlertTopicPrefix    string
	StatusTopic         string
	// StatusInterval paces coordinator status reports.
	StatusInterval time.Duration

	// KafkaBrokers lists bootstrap brokers; empty disables Kafka.
	KafkaBrokers []string
	// KafkaSightingsTopic enables the Kafka sighting source when set.
	KafkaSightingsTopic string
	KafkaGroupID        string
	// KafkaPositionsTopic enables the Kafka estimate sink when set.
	KafkaPositionsTopic string
	KafkaPollTimeout    time.Duration
	// KafkaBreaker guards the Kafka reader and writer, tuned by CB_* variables.
	KafkaBreaker circuitbreaker.KafkaSettings

	// JournalPath is the position journal file; empty disables it.
	JournalPath string

	AlertBatteryBelow     int
	AlertTemperatureAbove float64
	AlertTemperatureBelow float64
}

const (
	defaultListenAddress   = ":8087"
	defaultLogFile         = "logs/tagfusion.log"
	defaultLogLevel        = "info"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdown        = 5 * time.Second
	defaultPropsPath       = "tagfusion.properties"
	defaultReferencePower  = -59.0
	defaultPathLoss        = 2.0
	defaultWindow          = 5
	defaultStaleness       = 3 * time.Second
	defaultCollection      = 2 * time.Second
	defaultElection        = 5 * time.Second
	defaultTick            = time.Second
	defaultInbox           = 1024
	defaultSolverIter      = 100
	defaultVotesTopic      = "election/votes/#"
	defaultWinnerPrefix    = "hospital/medicine/rssi"
	defaultLocationPrefix  = "hospital/medicine/location"
	defaultAlertPrefix     = "hospital/alerts"
	defaultStatusTopic     = "hospital/system/coordinator_status"
	defaultStatusInterval  = 60 * time.Second
	defaultKafkaGroup      = "tagfusion-sightings"
	defaultPollTimeout     = 5 * time.Second
	defaultBatteryBelow    = 20
	anchorPropertyPrefix   = "anchor."
	envPrefix              = "TAGFUSION_"
	propertiesPathVariable = "TAGFUSION_PROPERTIES_PATH"
)

// Load resolves configuration by layering defaults, an optional
// properties file, and finally environment variables. The properties
// file location can be overridden with TAGFUSION_PROPERTIES_PATH. Anchors
// from an optional YAML file are merged last.
func Load() (Config, error) {
	cfg := Default()

	propsPath := strings.TrimSpace(os.Getenv(propertiesPathVariable))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	anchors := newAnchorSet()
	if err := applyProperties(&cfg, anchors, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, anchors); err != nil {
		return Config{}, err
	}

	if cfg.AnchorsPath != "" {
		if err := loadAnchorFile(anchors, cfg.AnchorsPath); err != nil {
			return Config{}, err
		}
	}
	cfg.Anchors = anchors.list()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden. It
// carries no anchors and therefore does not validate on its own.
func Default() Config {
	return Config{
		ListenAddress:         defaultListenAddress,
		LogFilePath:           filepath.Clean(defaultLogFile),
		LogLevel:              defaultLogLevel,
		HTTPReadTimeout:       defaultReadTimeout,
		HTTPWriteTimeout:      defaultWriteTimeout,
		ShutdownTimeout:       defaultShutdown,
		ReferencePower:        defaultReferencePower,
		PathLossExponent:      defaultPathLoss,
		SmoothingWindowSize:   defaultWindow,
		StalenessTimeout:      defaultStaleness,
		VoteCollectionPeriod:  defaultCollection,
		ElectionInterval:      defaultElection,
		TickInterval:          defaultTick,
		DedupKey:              "tag",
		SmoothingKey:          "tag",
		InboxSize:             defaultInbox,
		SolverMaxIterations:   defaultSolverIter,
		MQTTQoS:               1,
		VotesTopic:            defaultVotesTopic,
		WinnerTopicPrefix:     defaultWinnerPrefix,
		LocationTopicPrefix:   defaultLocationPrefix,
		AlertTopicPrefix:      defaultAlertPrefix,
		StatusTopic:           defaultStatusTopic,
		StatusInterval:        defaultStatusInterval,
		KafkaGroupID:          defaultKafkaGroup,
		KafkaPollTimeout:      defaultPollTimeout,
		KafkaBreaker:          circuitbreaker.DefaultKafkaSettings(),
		AlertBatteryBelow:     defaultBatteryBelow,
		AlertTemperatureAbove: math.Inf(1),
		AlertTemperatureBelow: math.Inf(-1),
	}
}

// Validate checks cross-field constraints. An empty anchor table is fatal.
func (c Config) Validate() error {
	if _, err := anchor.NewTable(c.Anchors); err != nil {
		return fmt.Errorf("anchors: %w", err)
	}
	if c.VoteCollectionPeriod > c.ElectionInterval {
		return fmt.Errorf("vote_collection_period_seconds (%s) exceeds election_interval_seconds (%s)",
			c.VoteCollectionPeriod, c.ElectionInterval)
	}
	if err := c.KafkaBreaker.Validate(); err != nil {
		return err
	}
	if c.AlertTemperatureBelow > c.AlertTemperatureAbove {
		return errors.New("alert_temperature_below exceeds alert_temperature_above")
	}
	return nil
}

// Pipeline maps the fusion tunables onto a fusion.Config.
func (c Config) Pipeline() fusion.Config {
	pc := fusion.DefaultConfig()
	pc.ReferencePower = c.ReferencePower
	pc.PathLossExponent = c.PathLossExponent
	pc.SmoothingWindow = c.SmoothingWindowSize
	pc.SmoothingKey = fusion.KeyMode(c.SmoothingKey)
	pc.DedupKey = fusion.KeyMode(c.DedupKey)
	pc.StalenessTimeout = c.StalenessTimeout
	pc.CollectionPeriod = c.VoteCollectionPeriod
	pc.ElectionInterval = c.ElectionInterval
	pc.TickInterval = c.TickInterval
	pc.InboxSize = c.InboxSize
	pc.Alerts = fusion.AlertThresholds{
		BatteryBelow:     c.AlertBatteryBelow,
		TemperatureAbove: c.AlertTemperatureAbove,
		TemperatureBelow: c.AlertTemperatureBelow,
	}
	return pc
}

func applyProperties(cfg *Config, anchors *anchorSet, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if strings.HasPrefix(key, anchorPropertyPrefix) {
			if err := anchors.setProperty(strings.TrimPrefix(key, anchorPropertyPrefix), value); err != nil {
				return fmt.Errorf("property %s: %w", key, err)
			}
			continue
		}
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

// propertyKeys lists every scalar key understood by setProperty. Each one
// can be overridden by TAGFUSION_<KEY> in upper case.
var propertyKeys = []string{
	"listen_address", "log_path", "log_level", "http_read_timeout_ms", "http_write_timeout_ms",
	"shutdown_timeout_ms", "reference_power", "path_loss_exponent", "smoothing_window_size",
	"staleness_timeout_seconds", "vote_collection_period_seconds", "election_interval_seconds",
	"tick_interval_ms", "dedup_key", "smoothing_key", "inbox_size", "solver_max_iterations",
	"anchors_path", "mqtt_broker", "mqtt_client_id", "mqtt_username", "mqtt_password", "mqtt_qos",
	"votes_topic", "winner_topic_prefix", "location_topic_prefix", "alert_topic_prefix",
	"status_topic", "status_interval_ms", "kafka_brokers", "kafka_sightings_topic",
	"kafka_group_id", "kafka_positions_topic", "kafka_poll_timeout_ms", "journal_path",
	"alert_battery_below", "alert_temperature_above", "alert_temperature_below",
}

func setProperty(cfg *Config, key, value string) error {
	switch key {
	case "listen_address":
		if value == "" {
			return errors.New("listen_address cannot be empty")
		}
		cfg.ListenAddress = value
	case "log_path":
		if value == "" {
			return errors.New("log_path cannot be empty")
		}
		cfg.LogFilePath = filepath.Clean(value)
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = strings.ToLower(value)
		default:
			return fmt.Errorf("unknown log level %q", value)
		}
	case "http_read_timeout_ms":
		return setMillis(&cfg.HTTPReadTimeout, value)
	case "http_write_timeout_ms":
		return setMillis(&cfg.HTTPWriteTimeout, value)
	case "shutdown_timeout_ms":
		return setMillis(&cfg.ShutdownTimeout, value)
	case "reference_power":
		f, err := parseFinite(value)
		if err != nil {
			return err
		}
		cfg.ReferencePower = f
	case "path_loss_exponent":
		f, err := parseFinite(value)
		if err != nil {
			return err
		}
		if f <= 0 {
			return errors.New("path_loss_exponent must be positive")
		}
		cfg.PathLossExponent = f
	case "smoothing_window_size":
		return setPositiveInt(&cfg.SmoothingWindowSize, value)
	case "staleness_timeout_seconds":
		return setSeconds(&cfg.StalenessTimeout, value)
	case "vote_collection_period_seconds":
		return setSeconds(&cfg.VoteCollectionPeriod, value)
	case "election_interval_seconds":
		return setSeconds(&cfg.ElectionInterval, value)
	case "tick_interval_ms":
		return setMillis(&cfg.TickInterval, value)
	case "dedup_key":
		mode, err := parseKeyMode(value)
		if err != nil {
			return err
		}
		cfg.DedupKey = mode
	case "smoothing_key":
		mode, err := parseKeyMode(value)
		if err != nil {
			return err
		}
		cfg.SmoothingKey = mode
	case "inbox_size":
		return setPositiveInt(&cfg.InboxSize, value)
	case "solver_max_iterations":
		return setPositiveInt(&cfg.SolverMaxIterations, value)
	case "anchors_path":
		cfg.AnchorsPath = value
	case "mqtt_broker":
		cfg.MQTTBroker = value
	case "mqtt_client_id":
		cfg.MQTTClientID = value
	case "mqtt_username":
		cfg.MQTTUsername = value
	case "mqtt_password":
		cfg.MQTTPassword = value
	case "mqtt_qos":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("mqtt_qos must be 0, 1 or 2, got %q", value)
		}
		cfg.MQTTQoS = byte(n)
	case "votes_topic":
		return setNonEmpty(&cfg.VotesTopic, key, value)
	case "winner_topic_prefix":
		return setNonEmpty(&cfg.WinnerTopicPrefix, key, value)
	case "location_topic_prefix":
		return setNonEmpty(&cfg.LocationTopicPrefix, key, value)
	case "alert_topic_prefix":
		return setNonEmpty(&cfg.AlertTopicPrefix, key, value)
	case "status_topic":
		return setNonEmpty(&cfg.StatusTopic, key, value)
	case "status_interval_ms":
		return setMillis(&cfg.StatusInterval, value)
	case "kafka_brokers":
		cfg.KafkaBrokers = splitAndTrim(value)
	case "kafka_sightings_topic":
		cfg.KafkaSightingsTopic = value
	case "kafka_group_id":
		return setNonEmpty(&cfg.KafkaGroupID, key, value)
	case "kafka_positions_topic":
		cfg.KafkaPositionsTopic = value
	case "kafka_poll_timeout_ms":
		return setMillis(&cfg.KafkaPollTimeout, value)
	case "journal_path":
		if value == "" {
			cfg.JournalPath = ""
			return nil
		}
		cfg.JournalPath = filepath.Clean(value)
	case "alert_battery_below":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 100 {
			return fmt.Errorf("alert_battery_below must be within 0..100, got %q", value)
		}
		cfg.AlertBatteryBelow = n
	case "alert_temperature_above":
		f, err := parseFinite(value)
		if err != nil {
			return err
		}
		cfg.AlertTemperatureAbove = f
	case "alert_temperature_below":
		f, err := parseFinite(value)
		if err != nil {
			return err
		}
		cfg.AlertTemperatureBelow = f
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return nil
}

func applyEnv(cfg *Config, anchors *anchorSet) error {
	if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
		if _, own := lookupEnvTrimmed(envPrefix + "KAFKA_BROKERS"); !own {
			cfg.KafkaBrokers = splitAndTrim(v)
		}
	}
	for _, key := range propertyKeys {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookupEnvTrimmed(name)
		if !ok {
			continue
		}
		if err := setProperty(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := applyBreakerEnv(&cfg.KafkaBreaker); err != nil {
		return err
	}
	if v, ok := lookupEnvTrimmed(envPrefix + "ANCHORS"); ok && v != "" {
		for _, entry := range strings.Split(v, ";") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			id, value, found := strings.Cut(entry, "=")
			if !found {
				return fmt.Errorf("%sANCHORS: entry %q must be id=name,x,y", envPrefix, entry)
			}
			if err := anchors.setProperty(strings.TrimSpace(id), value); err != nil {
				return fmt.Errorf("%sANCHORS: %w", envPrefix, err)
			}
		}
	}
	return nil
}

// applyBreakerEnv reads the CB_* variables shared with the other services:
// CB_ENABLED, CB_KAFKA_FAILURE_THRESHOLD, CB_KAFKA_SUCCESS_THRESHOLD,
// CB_KAFKA_OPEN_SECONDS, CB_KAFKA_TIMEOUT_MS and CB_KAFKA_BACKOFF_MS.
func applyBreakerEnv(s *circuitbreaker.KafkaSettings) error {
	if v, ok := lookupEnvTrimmed("CB_ENABLED"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			s.Enabled = true
		default:
			s.Enabled = false
		}
	}
	settings := []struct {
		key string
		set func(string) error
	}{
		{"CB_KAFKA_FAILURE_THRESHOLD", func(v string) error { return setPositiveInt(&s.MaxFailures, v) }},
		{"CB_KAFKA_SUCCESS_THRESHOLD", func(v string) error { return setPositiveInt(&s.SuccessesToClose, v) }},
		{"CB_KAFKA_OPEN_SECONDS", func(v string) error { return setSeconds(&s.OpenTimeout, v) }},
		{"CB_KAFKA_TIMEOUT_MS", func(v string) error { return setMillis(&s.AttemptTimeout, v) }},
		{"CB_KAFKA_BACKOFF_MS", func(v string) error { return setMillis(&s.Backoff, v) }},
	}
	for _, setting := range settings {
		v, ok := lookupEnvTrimmed(setting.key)
		if !ok || v == "" {
			continue
		}
		if err := setting.set(v); err != nil {
			return fmt.Errorf("%s: %w", setting.key, err)
		}
	}
	return nil
}

// anchorSet merges anchors by id; later definitions replace earlier ones.
type anchorSet struct {
	byID map[string]anchor.Anchor
}

func newAnchorSet() *anchorSet {
	return &anchorSet{byID: make(map[string]anchor.Anchor)}
}

// setProperty parses "name,x,y" or "x,y" for anchor id.
func (s *anchorSet) setProperty(id, value string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("anchor id cannot be empty")
	}
	fields := strings.Split(value, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	a := anchor.Anchor{ID: id, Name: id}
	switch len(fields) {
	case 2:
	case 3:
		if fields[0] != "" {
			a.Name = fields[0]
		}
		fields = fields[1:]
	default:
		return fmt.Errorf("anchor %s: expected name,x,y", id)
	}
	x, err := parseFinite(fields[0])
	if err != nil {
		return fmt.Errorf("anchor %s x: %w", id, err)
	}
	y, err := parseFinite(fields[1])
	if err != nil {
		return fmt.Errorf("anchor %s y: %w", id, err)
	}
	a.X, a.Y = x, y
	s.byID[id] = a
	return nil
}

func (s *anchorSet) list() []anchor.Anchor {
	out := make([]anchor.Anchor, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// anchorFile is the YAML layout of anchors_path.
type anchorFile struct {
	Anchors []anchor.Anchor `yaml:"anchors"`
}

func loadAnchorFile(s *anchorSet, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read anchors file: %w", err)
	}
	var doc anchorFile
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return fmt.Errorf("parse anchors file %s: %w", path, err)
	}
	for i, a := range doc.Anchors {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("anchors file %s: entry %d has no id", path, i)
		}
		if strings.TrimSpace(a.Name) == "" {
			a.Name = a.ID
		}
		s.byID[a.ID] = a
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveSeconds(v string) (time.Duration, error) {
	f, err := parseFinite(v)
	if err != nil {
		return 0, err
	}
	if f <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseFinite(v string) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value must be finite")
	}
	return f, nil
}

func parseKeyMode(v string) (string, error) {
	mode, err := fusion.ParseKeyMode(v)
	if err != nil {
		return "", err
	}
	return string(mode), nil
}

func setMillis(dst *time.Duration, v string) error {
	d, err := parsePositiveMillis(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setSeconds(dst *time.Duration, v string) error {
	d, err := parsePositiveSeconds(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setPositiveInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return errors.New("value must be positive")
	}
	*dst = n
	return nil
}

func setNonEmpty(dst *string, key, v string) error {
	if v == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	*dst = v
	return nil
}
