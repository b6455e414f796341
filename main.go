// Command recon reconstructs points, segments and camera poses of a calibrated multi-view
// project.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sphaeroptica.be/recon/posest"
	"sphaeroptica.be/recon/triangulation"
)

const (
	debugFlag      = "debug"
	projectFlag    = "project"
	inputFlag      = "input"
	imageFlag      = "image"
	methodFlag     = "method"
	maxErrorFlag   = "max-error"
	thresholdFlag  = "threshold"
	iterationsFlag = "iterations"
	confidenceFlag = "confidence"
	minInliersFlag = "min-inliers"
	seedFlag       = "seed"
	positionFlag   = "position"
	csvFlag        = "csv"
	dirFlag        = "dir"
	intrinsicsFlag = "intrinsics"
	extrinsicsFlag = "extrinsics"
	thumbnailsFlag = "thumbnails"
)

// newLogger builds a console logger, at debug level when debug is set.
func newLogger(name string, debug bool) (*zap.SugaredLogger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().Named(name), nil
}

func appFromContext(c *cli.Context) (*App, error) {
	logger, err := newLogger("recon", c.Bool(debugFlag))
	if err != nil {
		return nil, err
	}
	return NewApp(logger), nil
}

func triangulationOptions(c *cli.Context) ([]triangulation.Option, error) {
	method, err := triangulation.ParseMethod(c.String(methodFlag))
	if err != nil {
		return nil, err
	}
	return []triangulation.Option{
		triangulation.WithMethod(method),
		triangulation.WithMaxReprojectionError(c.Float64(maxErrorFlag)),
	}, nil
}

// poseConfig overlays the flags that were set on the default estimator configuration.
func poseConfig(c *cli.Context) (posest.Config, error) {
	attributes := map[string]interface{}{}
	for flag, key := range map[string]string{
		methodFlag:     "method",
		thresholdFlag:  "reproj_error",
		iterationsFlag: "iterations_count",
		confidenceFlag: "confidence",
		minInliersFlag: "min_inliers",
		seedFlag:       "seed",
	} {
		if c.IsSet(flag) {
			attributes[key] = c.Value(flag)
		}
	}
	return posest.ConfigFromAttributes(attributes)
}

// parsePosition reads "x,y,z".
func parsePosition(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("position must be x,y,z, got %q", s)
	}
	var v [3]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "position %q", s)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

var (
	projectCLIFlag = &cli.StringFlag{
		Name:     projectFlag,
		Aliases:  []string{"p"},
		Usage:    "calibration project file",
		Required: true,
	}
	inputCLIFlag = &cli.StringFlag{
		Name:     inputFlag,
		Aliases:  []string{"i"},
		Usage:    "JSON input file",
		Required: true,
	}
	triangulationFlags = []cli.Flag{
		projectCLIFlag,
		inputCLIFlag,
		&cli.StringFlag{
			Name:  methodFlag,
			Usage: "point triangulation method: iterative or direct",
			Value: triangulation.MethodIterative.String(),
		},
		&cli.Float64Flag{
			Name:  maxErrorFlag,
			Usage: "discard elements whose reprojection error exceeds this many pixels, 0 keeps all",
		},
	}
)

func newCLIApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "recon",
		Usage:     "triangulate points and segments, estimate camera poses of a calibrated project",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  debugFlag,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "triangulate",
				Usage:     "triangulate matched keypoints of two images",
				UsageText: "recon triangulate --project calibration.json --input pairs.json",
				Flags:     triangulationFlags,
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					opts, err := triangulationOptions(c)
					if err != nil {
						return err
					}
					var in PairInput
					if err := readJSON(c.String(inputFlag), &in); err != nil {
						return err
					}
					res, err := app.Triangulate(c.String(projectFlag), in, opts...)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, res)
				},
			},
			{
				Name:      "triangulate-lines",
				Usage:     "triangulate matched segments of two images",
				UsageText: "recon triangulate-lines --project calibration.json --input lines.json",
				Flags:     triangulationFlags,
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					opts, err := triangulationOptions(c)
					if err != nil {
						return err
					}
					var in LinePairInput
					if err := readJSON(c.String(inputFlag), &in); err != nil {
						return err
					}
					res, err := app.TriangulateLines(c.String(projectFlag), in, opts...)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, res)
				},
			},
			{
				Name:      "landmarks",
				Usage:     "place landmarks clicked in several images and measure their distances",
				UsageText: "recon landmarks --project calibration.json --input landmarks.json [--csv]",
				Flags: append(append([]cli.Flag{}, triangulationFlags...), &cli.BoolFlag{
					Name:  csvFlag,
					Usage: "write a spreadsheet instead of JSON",
				}),
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					opts, err := triangulationOptions(c)
					if err != nil {
						return err
					}
					var in ExportJSON
					if err := readJSON(c.String(inputFlag), &in); err != nil {
						return err
					}
					res, err := app.Landmarks(c.String(projectFlag), in, opts...)
					if err != nil {
						return err
					}
					if c.Bool(csvFlag) {
						return WriteLandmarksCSV(c.App.Writer, res)
					}
					return writeJSON(c.App.Writer, res)
				},
			},
			{
				Name:      "pose",
				Usage:     "estimate a camera pose from 2D-3D correspondences",
				UsageText: "recon pose --project calibration.json --input correspondences.json [--method P3P]",
				Flags: []cli.Flag{
					projectCLIFlag,
					inputCLIFlag,
					&cli.StringFlag{
						Name:  methodFlag,
						Usage: "minimal solver: ITERATIVE, P3P or DLT",
						Value: posest.MethodIterative.String(),
					},
					&cli.Float64Flag{
						Name:  thresholdFlag,
						Usage: "inlier reprojection threshold in pixels",
						Value: posest.DefaultConfig().ReprojError,
					},
					&cli.IntFlag{
						Name:  iterationsFlag,
						Usage: "maximum RANSAC iterations",
						Value: posest.DefaultConfig().Iterations,
					},
					&cli.Float64Flag{
						Name:  confidenceFlag,
						Usage: "probability of drawing one outlier free sample",
						Value: posest.DefaultConfig().Confidence,
					},
					&cli.IntFlag{
						Name:  minInliersFlag,
						Usage: "inliers required for success",
						Value: posest.DefaultConfig().MinInliers,
					},
					&cli.Int64Flag{
						Name:  seedFlag,
						Usage: "random sampling seed",
					},
				},
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					cfg, err := poseConfig(c)
					if err != nil {
						return err
					}
					var in CorrespondenceInput
					if err := readJSON(c.String(inputFlag), &in); err != nil {
						return err
					}
					res, err := app.EstimatePose(c.String(projectFlag), in, cfg)
					if err != nil {
						if res != nil {
							if werr := writeJSON(c.App.Writer, res); werr != nil {
								return werr
							}
						}
						return err
					}
					return writeJSON(c.App.Writer, res)
				},
			},
			{
				Name:      "reproject",
				Usage:     "project a world position into an image",
				UsageText: "recon reproject --project calibration.json --image IMG_0001.jpg --position 0.1,0.2,0.3",
				Flags: []cli.Flag{
					projectCLIFlag,
					&cli.StringFlag{
						Name:     imageFlag,
						Usage:    "image name in the project",
						Required: true,
					},
					&cli.StringFlag{
						Name:     positionFlag,
						Usage:    "world position x,y,z",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					pos, err := parsePosition(c.String(positionFlag))
					if err != nil {
						return err
					}
					px, err := app.Reproject(c.String(projectFlag), c.String(imageFlag), pos)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, px)
				},
			},
			{
				Name:      "rig",
				Usage:     "place every camera on the sphere fitted through the rig",
				UsageText: "recon rig --project calibration.json",
				Flags:     []cli.Flag{projectCLIFlag},
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					viewer, err := app.Images(c.String(projectFlag))
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, viewer)
				},
			},
			{
				Name:      "import",
				Usage:     "create a project from a Metashape calibration and camera export",
				UsageText: "recon import --dir images/ --intrinsics calib.xml --extrinsics cameras.txt [--thumbnails thumbnails]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: dirFlag, Usage: "image directory, the project is written there", Required: true},
					&cli.StringFlag{Name: intrinsicsFlag, Usage: "OpenCV calibration XML", Required: true},
					&cli.StringFlag{Name: extrinsicsFlag, Usage: "Metashape tab separated cameras", Required: true},
					&cli.StringFlag{Name: thumbnailsFlag, Usage: "thumbnails subdirectory, none when empty"},
				},
				Action: func(c *cli.Context) error {
					app, err := appFromContext(c)
					if err != nil {
						return err
					}
					file, err := app.ImportMetashape(c.String(dirFlag), c.String(intrinsicsFlag), c.String(extrinsicsFlag), c.String(thumbnailsFlag))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, file)
					return err
				},
			},
		},
	}
}

func main() {
	if err := newCLIApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
