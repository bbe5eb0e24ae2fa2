package audio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var audioResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storyteller_audio_generation_results_total",
		Help: "Audio generation calls by outcome code.",
	},
	[]string{"code"},
)
