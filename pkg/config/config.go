package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	SQLite  SQLiteConfig
	Vector  VectorConfig
	Zilliz  ZillizConfig
	Chromem ChromemConfig
	Redis   RedisConfig
	Neo4j   Neo4jConfig
	LLM     LLMConfig
	Engine  EngineConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	MaxRequestsPerMinute int
}

type SQLiteConfig struct {
	Path string
}

// VectorConfig selects the ANN backend: "zilliz" (Milvus/Zilliz Cloud) or
// "chromem" (embedded, single process).
type VectorConfig struct {
	Provider  string
	Dimension int
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	HNSWM          int
	HNSWEfConstr   int
	SearchEf       int
}

type ChromemConfig struct {
	Path           string
	Compress       bool
	CollectionName string
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	KeyPrefix    string
	EmbeddingTTL int
	// RecommendationTTL caches each user's recommendation list for this
	// many seconds. Zero disables the cache.
	RecommendationTTL int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type LLMConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	SynthesisModel string
	JudgeModel     string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
}

// EngineConfig carries the tunables of the relevance and synthesis engine.
type EngineConfig struct {
	SearchThreshold         float64
	DefaultTopK             int
	InterestWindow          int
	PositiveThreshold       float64
	TopInterests            int
	PerInterestTopK         int
	RecommendLimit          int
	DiscoveryWindow         int
	SynthesisCharBudget     int
	CompletenessPlaceholder float64
	SerializeFeedback       bool
	DecayBatchSize          int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the config file at path, or searches the default locations
// when path is empty.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/knowledge-engine")
	}

	v.SetEnvPrefix("KRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Vector.Provider {
	case "zilliz", "chromem":
	default:
		return fmt.Errorf("invalid vector.provider %q: want zilliz or chromem", c.Vector.Provider)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension)
	}
	if c.Engine.SearchThreshold < 0 || c.Engine.SearchThreshold > 1 {
		return fmt.Errorf("engine.searchThreshold must be within [0,1], got %v", c.Engine.SearchThreshold)
	}
	if c.Engine.SynthesisCharBudget <= 0 {
		return fmt.Errorf("engine.synthesisCharBudget must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.maxRequestsPerMinute", 120)

	v.SetDefault("sqlite.path", "./data/knowledge.db")

	v.SetDefault("vector.provider", "zilliz")
	v.SetDefault("vector.dimension", 1536)

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.apiKey", "")
	v.SetDefault("zilliz.collectionName", "knowledge_items")
	v.SetDefault("zilliz.hnswM", 16)
	v.SetDefault("zilliz.hnswEfConstr", 256)
	v.SetDefault("zilliz.searchEf", 64)

	v.SetDefault("chromem.path", "./data/vectors")
	v.SetDefault("chromem.compress", false)
	v.SetDefault("chromem.collectionName", "knowledge_items")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "kre:")
	v.SetDefault("redis.embeddingTTL", 86400)
	v.SetDefault("redis.recommendationTTL", 0)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.synthesisModel", "gpt-4o")
	v.SetDefault("llm.judgeModel", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.timeoutSec", 120)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("engine.searchThreshold", 0.5)
	v.SetDefault("engine.defaultTopK", 10)
	v.SetDefault("engine.interestWindow", 50)
	v.SetDefault("engine.positiveThreshold", 0.5)
	v.SetDefault("engine.topInterests", 5)
	v.SetDefault("engine.perInterestTopK", 3)
	v.SetDefault("engine.recommendLimit", 5)
	v.SetDefault("engine.discoveryWindow", 50)
	v.SetDefault("engine.synthesisCharBudget", 30000)
	v.SetDefault("engine.completenessPlaceholder", 0.8)
	v.SetDefault("engine.serializeFeedback", false)
	v.SetDefault("engine.decayBatchSize", 50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
