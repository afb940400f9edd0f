package config

const (
	defaultRunRoot              = "~/.local/share/sceneforge/runs"
	defaultBackendOutputDir     = "~/ComfyUI/output"
	defaultLogDir               = "~/.local/share/sceneforge/logs"
	defaultLogRetentionDays     = 30
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultBackendURL           = "http://127.0.0.1:8188"
	defaultRequestTimeout       = 30
	defaultSceneRetryBudget     = 1
	defaultHistoryMaxWait       = 900
	defaultHistoryPollInterval  = 2
	defaultHistoryMaxAttempts   = 0
	defaultPostExecutionTimeout = 30
	defaultMaxConcurrentScenes  = 1
	defaultSubmitBackoff        = 2
	defaultMarkerPollInterval   = 1
	defaultScanInterval         = 2
	defaultStabilityWindow      = 5
	defaultMinFrames            = 1
	defaultHistoryMaxItems      = 64
	defaultArchiveLevel         = "default"
)

var defaultFrameExtensions = []string{"png", "jpg", "jpeg", "webp"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RunRoot:          defaultRunRoot,
			BackendOutputDir: defaultBackendOutputDir,
			LogDir:           defaultLogDir,
		},
		Backend: Backend{
			URL:            defaultBackendURL,
			RequestTimeout: defaultRequestTimeout,
		},
		Queue: Queue{
			SceneRetryBudget:     defaultSceneRetryBudget,
			HistoryMaxWait:       defaultHistoryMaxWait,
			HistoryPollInterval:  defaultHistoryPollInterval,
			HistoryMaxAttempts:   defaultHistoryMaxAttempts,
			PostExecutionTimeout: defaultPostExecutionTimeout,
			MaxConcurrentScenes:  defaultMaxConcurrentScenes,
			SubmitBackoff:        defaultSubmitBackoff,
			MarkerPollInterval:   defaultMarkerPollInterval,
		},
		Sentinel: Sentinel{
			Embedded:          true,
			ScanInterval:      defaultScanInterval,
			StabilityWindow:   defaultStabilityWindow,
			MinFrames:         defaultMinFrames,
			HistoryInspection: true,
			HistoryMaxItems:   defaultHistoryMaxItems,
			FrameExtensions:   append([]string(nil), defaultFrameExtensions...),
		},
		Archive: Archive{
			Enabled: true,
			Level:   defaultArchiveLevel,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
