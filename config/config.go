package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort  string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost  string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	// worker 进程的话务回调监听端口
	WorkerPort  string `env:"WORKER_PORT" envDefault:"8889"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"callwave"`

	// PostgreSQL 配置
	PostgreSQLHost     string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string `env:"POSTGRESQL_DATABASE" envDefault:"callwave"`
	PostgreSQLSchema   string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"30"`
	PostgreSQLMaxOpen  int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"200"`

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"cw"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	// 外呼服务配置
	VoiceProvider string `env:"VOICE_PROVIDER" envDefault:"aliyun"` // aliyun, mock
	VoiceAppID    string `env:"VOICE_APP_ID"`
	// 电话事件回调地址，外呼服务商将呼叫状态/按键事件推送到这里
	VoiceCallbackURL string `env:"VOICE_CALLBACK_URL"`

	// 短信服务配置
	// AccessKey 和 SecretKey 通过阿里云 SDK 的环境变量自动获取：
	// ALIBABA_CLOUD_ACCESS_KEY_ID 和 ALIBABA_CLOUD_ACCESS_KEY_SECRET
	SMSProvider     string `env:"SMS_PROVIDER" envDefault:"aliyun"` // aliyun, mock
	SMSSignName     string `env:"SMS_SIGN_NAME"`
	SMSTemplateCode string `env:"SMS_TEMPLATE_CODE"`

	// 最优外呼时间预测服务（SageMaker Serverless 推理端点，HTTP）
	PredictorEndpoint  string `env:"PREDICTOR_ENDPOINT"`
	PredictorTimeoutMs int    `env:"PREDICTOR_TIMEOUT_MS" envDefault:"800"`

	// 拨号引擎配置
	DialGlobalCPS        int `env:"DIAL_GLOBAL_CPS" envDefault:"20"`  // 初始全局 CPS
	DialCPSFloor         int `env:"DIAL_CPS_FLOOR" envDefault:"1"`    // 调速下限
	DialCPSCeiling       int `env:"DIAL_CPS_CEILING" envDefault:"50"` // 调速上限
	DialBatchSize        int `env:"DIAL_BATCH_SIZE" envDefault:"100"` // 每次筛选的联系人数量
	DialDispatchInterval int `env:"DIAL_DISPATCH_INTERVAL_SECONDS" envDefault:"5"`
	DialPrefetchCount    int `env:"DIAL_PREFETCH_COUNT" envDefault:"10"`
	RingTimeoutSeconds   int `env:"RING_TIMEOUT_SECONDS" envDefault:"30"`

	// IVR 配置
	IVRDigitTimeoutSeconds int `env:"IVR_DIGIT_TIMEOUT_SECONDS" envDefault:"10"`
	IVRInvalidInputCap     int `env:"IVR_INVALID_INPUT_CAP" envDefault:"2"`

	// 调速器配置
	PaceSampleIntervalSeconds int     `env:"PACE_SAMPLE_INTERVAL_SECONDS" envDefault:"10"`
	PaceCPUThreshold          float64 `env:"PACE_CPU_THRESHOLD" envDefault:"0.80"`
	PaceMemThreshold          float64 `env:"PACE_MEM_THRESHOLD" envDefault:"0.85"`
	PaceMaxActiveCalls        int     `env:"PACE_MAX_ACTIVE_CALLS" envDefault:"200"`
	PaceMinAnswerRate         float64 `env:"PACE_MIN_ANSWER_RATE" envDefault:"0.10"`
	PaceRecoverySamples       int     `env:"PACE_RECOVERY_SAMPLES" envDefault:"6"` // 连续正常样本数后才加速

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// OpenTelemetry 配置，endpoint 为空时不导出遥测数据
	OTLPEndpoint   string `env:"OTLP_ENDPOINT"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`
}

func init() {

	if err := godotenv.Load(); err != nil {

		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	Cfg = Config{}
	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Failed to parse environment variables: %v", err)
	}

	validateConfig()
}

func validateConfig() {
	if Cfg.DialCPSFloor < 1 {
		log.Fatal("DIAL_CPS_FLOOR must be at least 1")
	}

	if Cfg.DialCPSCeiling < Cfg.DialCPSFloor {
		log.Fatal("DIAL_CPS_CEILING must be >= DIAL_CPS_FLOOR")
	}

	if Cfg.DialGlobalCPS < Cfg.DialCPSFloor || Cfg.DialGlobalCPS > Cfg.DialCPSCeiling {
		log.Fatal("DIAL_GLOBAL_CPS must fall between DIAL_CPS_FLOOR and DIAL_CPS_CEILING")
	}

	if Cfg.VoiceCallbackURL == "" {
		log.Printf("WARN: VOICE_CALLBACK_URL is not set, telephony event callbacks cannot be delivered")
	}

	if Cfg.SMSSignName == "" {
		log.Printf("WARN: SMS_SIGN_NAME is not set, SMS follow-up may not work properly")
	}
	if Cfg.SMSTemplateCode == "" {
		log.Printf("WARN: SMS_TEMPLATE_CODE is not set, SMS follow-up may not work properly")
	}

	if Cfg.PredictorEndpoint == "" {
		log.Printf("WARN: PREDICTOR_ENDPOINT is not set, contacts will be dialed with neutral priority")
	}
}

func (c *Config) GetDSN() string {
	return "host=" + c.PostgreSQLHost +
		" port=" + c.PostgreSQLPort +
		" user=" + c.PostgreSQLUser +
		" password=" + c.PostgreSQLPassword +
		" dbname=" + c.PostgreSQLDatabase +
		" sslmode=" + c.PostgreSQLSSLMode +
		" search_path=" + c.PostgreSQLSchema
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
