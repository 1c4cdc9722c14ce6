// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mediaswitch/rtpworker/pkg/channel"
	"github.com/mediaswitch/rtpworker/pkg/config"
	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu"
)

const exitCodeBadConfig = 42

func main() {
	app := &cli.App{
		Name:  "rtpworker",
		Usage: "media forwarding worker driven over a JSON control channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to YAML config file",
			},
			&cli.StringFlag{
				Name:    "logLevel",
				Aliases: []string{"log-level"},
				Usage:   "debug, info, warn or error",
			},
			&cli.StringSliceFlag{
				Name:    "logTag",
				Aliases: []string{"log-tag"},
				Usage:   "component tag to log, use flag multiple times for multiple tags",
			},
			&cli.UintFlag{
				Name:    "rtcMinPort",
				Aliases: []string{"rtc-min-port"},
				Usage:   "lowest UDP port for media",
			},
			&cli.UintFlag{
				Name:    "rtcMaxPort",
				Aliases: []string{"rtc-max-port"},
				Usage:   "highest UDP port for media",
			},
			&cli.StringFlag{
				Name:    "dtlsCertificateFile",
				Aliases: []string{"dtls-certificate-file"},
				Usage:   "path to the DTLS certificate",
			},
			&cli.StringFlag{
				Name:    "dtlsPrivateKeyFile",
				Aliases: []string{"dtls-private-key-file"},
				Usage:   "path to the DTLS private key",
			},
		},
		Action: runWorker,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := err.(cli.ExitCoder); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(1)
	}
}

func runWorker(c *cli.Context) error {
	conf, err := config.NewConfig(c)
	if err != nil {
		return cli.Exit(err, exitCodeBadConfig)
	}

	logger.InitFromConfig(conf.LogLevel, conf.LogTags)
	log := logger.GetLogger()
	log.Infow("worker starting",
		"pid", os.Getpid(),
		"rtcMinPort", conf.RtcMinPort,
		"rtcMaxPort", conf.RtcMaxPort,
	)

	var ch *channel.Channel
	worker := sfu.NewWorker(sfu.WorkerParams{
		// cleartext media leaves through the DTLS/ICE collaborator; the
		// worker binary on its own terminates the wire in a sink that
		// only accounts traffic
		WireFactory: func(t *sfu.Transport) sfu.TransportWire {
			return &nullWire{logger: log.WithValues("transportId", t.ID())}
		},
		OnNotification: func(targetID, event string, data interface{}) {
			ch.Notify(targetID, event, data)
		},
		Logger: log,
	})
	defer worker.Close()

	ch = channel.New(os.Stdin, os.Stdout, func(req channel.Request) (interface{}, error) {
		var ids sfu.RequestIds
		if len(req.Internal) > 0 {
			if err := json.Unmarshal(req.Internal, &ids); err != nil {
				return nil, err
			}
		}
		return worker.HandleRequest(req.Method, ids, req.Data)
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(ch.Run)
	group.Go(func() error {
		<-ctx.Done()
		// the channel loop ends when the controller closes stdin
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Errorw("worker terminated", err)
		return cli.Exit(err, 1)
	}
	log.Infow("worker exiting")
	return nil
}

// nullWire stands in for the DTLS/ICE collaborator when the worker runs
// without one attached.
type nullWire struct {
	logger logger.Logger
}

func (n *nullWire) SendRtpPacket(data []byte) {
	n.logger.Debugw("rtp packet dropped, no wire attached", "size", len(data))
}

func (n *nullWire) SendRtcpPacket(data []byte) {
	n.logger.Debugw("rtcp packet dropped, no wire attached", "size", len(data))
}

func (n *nullWire) SendRtcpCompoundPacket(data []byte) {
	n.logger.Debugw("rtcp compound dropped, no wire attached", "size", len(data))
}
