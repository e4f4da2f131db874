package config

import (
	"strings"

	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// envKeys are the settings most commonly supplied through the environment.
// AutomaticEnv only resolves keys viper already knows about, so these are
// bound explicitly.
var envKeys = []string{
	"audio.input",
	"stt.provider",
	"stt.api_key",
	"stt.base_url",
	"stt.service_url",
	"stt.deepgram_api_key",
	"stt.language",
	"lexicon.dir",
	"lexicon.db_path",
	"overlay.addr",
	"relay.enabled",
	"relay.addr",
	"relay.password",
	"log.level",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}
