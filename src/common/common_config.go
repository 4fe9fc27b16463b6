package common

type CommonConfig struct {
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	AdminPort       string `yaml:"admin_port"`
	PostgresConfig  string `yaml:"postgres"`
	RedisConfig     string `yaml:"redis"`
}
