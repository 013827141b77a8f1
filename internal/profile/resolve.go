package profile

import "github.com/matheus3301/mlschat/internal/config"

const DefaultName = "main"

// Resolve picks the active profile: the flag, then default_profile from the
// global config, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	g, err := config.LoadGlobal(ConfigPath())
	if err == nil && g.DefaultProfile != "" {
		return g.DefaultProfile
	}
	return DefaultName
}
