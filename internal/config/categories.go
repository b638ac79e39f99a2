package config

// CategoryWeights orders command categories in the help listing.
var CategoryWeights = map[string]int{
	"🕯️ Information": 0,
	"🎵 Playback":     10,
	"🔎 Search":       20,
	"⚙️ Settings":    50,
}
