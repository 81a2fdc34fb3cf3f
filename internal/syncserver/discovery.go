/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncserver

import (
	"os"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const mdnsServiceType = "_trrcms-sync._tcp"

// advertise registers an mDNS service for the sync boundary so devices on
// the same LAN can discover it without a configured address. A failure
// here (e.g. no multicast-capable interface) is logged and otherwise
// tolerated — the server still answers GET /discover directly, it is just
// not broadcast.
func advertise(port int, apiVersion string, logger *zap.Logger) *zeroconf.Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "trrcms-core"
	}
	txt := []string{"api_version=" + apiVersion, "hostname=" + hostname}

	server, err := zeroconf.Register(hostname, mdnsServiceType, "local.", port, txt, nil)
	if err != nil {
		logger.Warn("mDNS advertisement unavailable, falling back to direct discovery only", zap.Error(err))
		return nil
	}
	logger.Info("advertising sync boundary over mDNS",
		zap.String("service", mdnsServiceType), zap.Int("port", port))
	return server
}
