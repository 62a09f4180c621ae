package experiment

// Workspace layout, relative to the run directory.
const (
	InfoFile        = "experiment_info.yaml"
	GitVersionsFile = "git_versions.yaml"
	TrainLogsFile   = "train_logs.csv"
	ExpTestsFile    = "exp_tests.csv"

	ConfigsDir      = "configs"
	DatasetStatsDir = "datasetsstats"
	ModelsDir       = "models"
	PredictionsDir  = "predictions"
	AnalysisDir     = "analysis"
	NetDataDir      = "net_data"
	ExternalDir     = "external_infos"
	ChartsDir       = "charts"
)

// Placeholders substituted in folder name patterns.
const (
	RunIDPlaceholder   = "$RUN_ID"
	ShortIDPlaceholder = "$SHORT_ID"
)

// NoVersionAvailable is recorded for sources without a resolvable revision.
const NoVersionAvailable = "NoVersionAvailable"
