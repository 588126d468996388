package utils

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type UserIds struct {
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

type ServerConfig struct {
	Host string `mapstructure:"HOST"`
	Port uint16 `mapstructure:"PORT"`
}

type PubSubConfig struct {
	Name                 string `mapstructure:"NAME"`
	Address              string `mapstructure:"ADDRESS"`
	Profile              string `mapstructure:"PROFILE"`
	Topic                string `mapstructure:"TOPIC"`
	PublishingIntervalMs int    `mapstructure:"PUBLISHING_INTERVAL_MS"`
	KeyFrameCount        int    `mapstructure:"KEY_FRAME_COUNT"`
}

type Certificate struct {
	AdditionalHosts []string `mapstructure:"HOSTS"`
}

type Config struct {
	UserIds            []UserIds    `mapstructure:"USERIDs"`
	Server             ServerConfig `mapstructure:"SERVER"`
	PubSub             PubSubConfig `mapstructure:"PUBSUB"`
	SamplingIntervalMs int          `mapstructure:"SAMPLING_INTERVAL_MS"`
	Certificate        Certificate  `mapstructure:"CERTIFICATE"`
}

func GetConfig() Config {
	v := viper.New()
	var config Config

	v.SetConfigName("config")    // name of config file (without extension)
	v.SetConfigType("json")      // REQUIRED if the config file does not have the extension in the name
	v.AddConfigPath("./configs") // look for config in the working directory

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println(Colorize("Config file not found! using default configs..", Yellow))
			setDefault(v)
		} else {
			log.Println(Colorize("Config file was found but another error was produced : ", Red))
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	} else {
		log.Println(Colorize("Config file found and successfully parsed", Green))
	}

	err := v.Unmarshal(&config)
	if err != nil {
		panic(fmt.Errorf("unable to decode into struct %w", err))
	}

	return config
}

func setDefault(v *viper.Viper) {
	v.SetDefault("USERIDs", []UserIds{
		{
			Username: "root",
			Password: "secret",
		},
	})
	v.SetDefault("SERVER", ServerConfig{
		Host: "localhost",
		Port: 4840,
	})
	v.SetDefault("PUBSUB", PubSubConfig{
		Name:                 "UaBridge",
		Address:              "opc.udp://239.0.0.1:4840",
		Profile:              "udp-uadp",
		Topic:                "uabridge/datasets",
		PublishingIntervalMs: 500,
		KeyFrameCount:        10,
	})
	v.SetDefault("SAMPLING_INTERVAL_MS", 50)
	v.SetDefault("CERTIFICATE", Certificate{
		AdditionalHosts: []string{},
	})
}

// Foreground colors.
const (
	Black uint8 = iota + 30
	Red
	Green
	Yellow
	Blue
	Magenta
	Cyan
	White
)

// Colorize colorizes a string by a given color.
func Colorize(s string, c uint8) string {
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
}
