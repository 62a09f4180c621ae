// Package components registers every built-in component into a registry.
// Targets are named trainpipe.<package>.<Type>.
package components

import (
	"errors"
	"reflect"

	"github.com/mattjoyce/trainpipe/internal/analysis"
	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/exptests"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/model"
	"github.com/mattjoyce/trainpipe/internal/predict"
)

// Capability names.
const (
	Dataset              = "dataset"
	DataDescription      = "data_description"
	DataInfoListing      = "data_info_listing"
	DataLoader           = "data_loader"
	Shuffler             = "shuffler"
	NetInputTransformer  = "net_input_transformer"
	NetTargetTransformer = "net_target_transformer"
	Learner              = "learner"
	ModelFactory         = "model_factory"
	ModelLoader          = "model_loader"
	PredictionFunction   = "prediction_function"
	Callback             = "callback"
	OutputInitializer    = "experiment_output_initializer"
	PredictionHandler    = "prediction_handler"
	ResultAnalyzer       = "result_analyzer"
	Metric               = "metric"
	TensorMetric         = "tensor_metric"
	PostRunTest          = "post_run_test"
)

// UniformClassMode selects the per-class target count of the uniform class
// shuffler.
const UniformClassMode = "trainpipe.data.UniformClassMode"

type capability struct {
	name  string
	iface reflect.Type
}

var capabilities = []capability{
	{Dataset, initnode.Iface[data.Dataset]()},
	{DataDescription, initnode.Iface[data.DataDescription]()},
	{DataInfoListing, initnode.Iface[data.DataInfoListing]()},
	{DataLoader, initnode.Iface[data.DataLoader]()},
	{Shuffler, initnode.Iface[data.Shuffler]()},
	{NetInputTransformer, initnode.Iface[data.NetInputTransformer]()},
	{NetTargetTransformer, initnode.Iface[data.NetTargetTransformer]()},
	{Learner, initnode.Iface[model.Learner]()},
	{ModelFactory, initnode.Iface[model.ModelFactory]()},
	{ModelLoader, initnode.Iface[model.ModelLoader]()},
	{PredictionFunction, initnode.Iface[model.PredictionFunction]()},
	{Callback, initnode.Iface[model.Callback]()},
	{OutputInitializer, initnode.Iface[experiment.OutputInitializer]()},
	{PredictionHandler, initnode.Iface[predict.Handler]()},
	{ResultAnalyzer, initnode.Iface[analysis.ResultAnalyzer]()},
	{Metric, initnode.Iface[analysis.Metric]()},
	{TensorMetric, initnode.Iface[analysis.TensorMetric]()},
	{PostRunTest, initnode.Iface[exptests.PostRunTest]()},
}

// New returns a registry holding every built-in component.
func New() (*initnode.Registry, error) {
	r := initnode.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNew is New that panics on error.
func MustNew() *initnode.Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds the built-in capabilities and components to r.
func Register(r *initnode.Registry) error {
	for _, c := range capabilities {
		if err := r.DefineCapability(c.name, c.iface); err != nil {
			return err
		}
	}
	return errors.Join(
		registerData(r),
		registerModel(r),
		registerOutputs(r),
		registerAnalysis(r),
		registerTests(r),
	)
}

func registerData(r *initnode.Registry) error {
	return errors.Join(
		initnode.Register(r, "trainpipe.data.ImageDescription", DataDescription, data.ImageDescription{Channels: 1}, data.NewImageDescription),
		initnode.Register(r, "trainpipe.data.TabularDescription", DataDescription, data.TabularDescription{}, data.NewTabularDescription),
		initnode.Register(r, "trainpipe.data.ImageDataset", Dataset, data.ImageDatasetArgs{BatchSize: 32}, data.NewImageDataset),
		initnode.Register(r, "trainpipe.data.TabularDataset", Dataset, data.TabularDatasetArgs{BatchSize: 32}, data.NewTabularDataset),
		initnode.Register(r, "trainpipe.data.CSVListing", DataInfoListing, data.CSVListingArgs{FileColumn: "file", LabelColumn: "label"}, data.NewCSVListing),
		initnode.Register(r, "trainpipe.data.DirListing", DataInfoListing, data.DirListingArgs{Extension: ".png"}, data.NewDirListing),
		initnode.Register(r, "trainpipe.data.PNGLoader", DataLoader, data.PNGLoaderArgs{}, data.NewPNGLoader),
		initnode.Register(r, "trainpipe.data.DefaultShuffler", Shuffler, data.ShufflerArgs{}, data.NewDefaultShuffler),
		initnode.Register(r, "trainpipe.data.UniformClassShuffler", Shuffler, data.UniformClassArgs{Mode: data.UniformAvg}, data.NewUniformClassShuffler),
		r.RegisterEnum(UniformClassMode, data.UniformMin, data.UniformMax, data.UniformAvg),
		initnode.Register(r, "trainpipe.data.Scale", NetInputTransformer, data.ScaleArgs{Factor: 1.0 / 255}, data.NewScale),
		initnode.Register(r, "trainpipe.data.Normalize", NetInputTransformer, data.NormalizeArgs{Std: 1}, data.NewNormalize),
		initnode.Register(r, "trainpipe.data.OneHot", NetTargetTransformer, struct{}{}, data.NewOneHot),
		initnode.Register(r, "trainpipe.data.Binary", NetTargetTransformer, struct{}{}, data.NewBinary),
	)
}

func registerModel(r *initnode.Registry) error {
	return errors.Join(
		initnode.Register(r, "trainpipe.model.SGDLearner", Learner, model.SGDLearnerArgs{TerminateOnNaN: true}, model.NewSGDLearner),
		initnode.Register(r, "trainpipe.model.LinearFactory", ModelFactory, model.LinearFactoryArgs{InitScale: 0.01}, model.NewLinearFactory),
		initnode.Register(r, "trainpipe.model.LinearLoader", ModelLoader, struct{}{}, model.NewLinearLoader),
		initnode.Register(r, "trainpipe.model.DefaultPrediction", PredictionFunction, struct{}{}, model.NewDefaultPrediction),
		initnode.Register(r, "trainpipe.model.NaNCheck", Callback, struct{}{}, model.NewNaNCheck),
		initnode.Register(r, "trainpipe.model.Checkpoint", Callback, model.CheckpointArgs{Every: 1, Monitor: "val_loss"}, model.NewCheckpoint),
		initnode.Register(r, "trainpipe.model.NetDataLogger", Callback, model.NetDataLoggerArgs{MaxBatches: 1}, model.NewNetDataLogger),
		initnode.Register(r, "trainpipe.model.TrainingCurve", Callback, model.TrainingCurveArgs{File: experiment.ChartsDir + "/training_curve.png"}, model.NewTrainingCurve),
		initnode.Register(r, "trainpipe.model.MLFlowCallback", Callback, model.MLFlowArgs{}, model.NewMLFlowCallback),
	)
}

func registerOutputs(r *initnode.Registry) error {
	return errors.Join(
		initnode.Register(r, "trainpipe.experiment.InfoInitializer", OutputInitializer, experiment.InfoArgs{}, experiment.NewInfoInitializer),
		initnode.Register(r, "trainpipe.predict.VectorHandler", PredictionHandler, predict.VectorArgs{Prefix: "pred", Extension: ".parq"}, predict.NewVectorHandler),
		initnode.Register(r, "trainpipe.predict.TensorHandler", PredictionHandler, predict.TensorArgs{}, predict.NewTensorHandler),
		initnode.Register(r, "trainpipe.predict.ChunkedArrayHandler", PredictionHandler, predict.ChunkedArgs{}, predict.NewChunkedArrayHandler),
		initnode.Register(r, "trainpipe.predict.CombinationHandler", PredictionHandler, predict.CombinationArgs{}, predict.NewCombinationHandler),
	)
}

func registerAnalysis(r *initnode.Registry) error {
	return errors.Join(
		initnode.Register(r, "trainpipe.analysis.TabularAnalyzer", ResultAnalyzer, analysis.TabularArgs{}, analysis.NewTabularAnalyzer),
		initnode.Register(r, "trainpipe.analysis.PerDatapointAnalyzer", ResultAnalyzer, analysis.PerDatapointArgs{}, analysis.NewPerDatapointAnalyzer),
		initnode.Register(r, "trainpipe.analysis.Accuracy", Metric, analysis.ClassArgs{}, analysis.NewAccuracy),
		initnode.Register(r, "trainpipe.analysis.ConfusionMatrix", Metric, analysis.ClassArgs{}, analysis.NewConfusionMatrix),
		initnode.Register(r, "trainpipe.analysis.ClassReport", Metric, analysis.ClassArgs{}, analysis.NewClassReport),
		initnode.Register(r, "trainpipe.analysis.ConfusionChart", Metric, analysis.ConfusionChartArgs{}, analysis.NewConfusionChart),
		initnode.Register(r, "trainpipe.analysis.MeanSquaredError", Metric, analysis.RegressionArgs{}, analysis.NewMeanSquaredError),
		initnode.Register(r, "trainpipe.analysis.MeanAbsoluteError", Metric, analysis.RegressionArgs{}, analysis.NewMeanAbsoluteError),
		initnode.Register(r, "trainpipe.analysis.DatapointMAE", TensorMetric, struct{}{}, analysis.NewDatapointMAE),
		initnode.Register(r, "trainpipe.analysis.DatapointMaxError", TensorMetric, struct{}{}, analysis.NewDatapointMaxError),
	)
}

func registerTests(r *initnode.Registry) error {
	return errors.Join(
		initnode.Register(r, "trainpipe.exptests.Process", "", exptests.ProcessArgs{}, exptests.NewProcess),
		initnode.Register(r, "trainpipe.exptests.FilesExist", PostRunTest, exptests.FilesExistArgs{}, exptests.NewFilesExist),
		initnode.Register(r, "trainpipe.exptests.NoNaN", PostRunTest, exptests.NoNaNArgs{}, exptests.NewNoNaN),
		initnode.Register(r, "trainpipe.exptests.ModelsSaved", PostRunTest, exptests.ModelsSavedArgs{MinCount: 1}, exptests.NewModelsSaved),
		initnode.Register(r, "trainpipe.exptests.NotEmpty", PostRunTest, struct{}{}, exptests.NewNotEmpty),
		initnode.Register(r, "trainpipe.exptests.MetricCompare", PostRunTest, exptests.MetricCompareArgs{}, exptests.NewMetricCompare),
	)
}
