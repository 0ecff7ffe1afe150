/*
 * Copyright (c) 2023, Driftgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
)

// RunServices loads the configuration and runs the proxy server until
// an OS signal triggers an orderly shutdown or the server fails.
func RunServices(configJSON []byte) error {

	config, err := LoadConfig(configJSON)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("load config failed")
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init logging failed")
		return errors.Trace(err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init support services failed")
		return errors.Trace(err)
	}

	server := NewProxyServer(support)

	waitGroup := new(sync.WaitGroup)
	serverError := make(chan error)

	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		err := server.Run()
		select {
		case serverError <- err:
		default:
		}
	}()

	// An OS signal triggers an orderly shutdown.
	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	// SIGUSR2 triggers an immediate load log.
	logLoadSignal := make(chan os.Signal, 1)
	signal.Notify(logLoadSignal, syscall.SIGUSR2)

	err = nil

loop:
	for {
		select {
		case <-logLoadSignal:
			server.logLoad()

		case <-systemStopSignal:
			log.WithTrace().Info("shutdown by system")
			break loop

		case err = <-serverError:
			if err != nil {
				log.WithTraceFields(LogFields{"error": err}).Error("server failed")
			}
			break loop
		}
	}

	server.Shutdown()
	waitGroup.Wait()

	// Note: no trace error to preserve error type
	return err
}
