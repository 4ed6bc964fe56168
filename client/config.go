// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"os"
)

// Config for client
type Config struct {
	LocalAddr   string `json:"localaddr"`
	RemoteAddr  string `json:"remoteaddr"`
	Key         string `json:"key"`
	Crypt       string `json:"crypt"`
	Mode        string `json:"mode"`
	Conn        int    `json:"conn"`
	AutoExpire  int    `json:"autoexpire"`
	ScavengeTTL int    `json:"scavengettl"`
	MTU         int    `json:"mtu"`
	SndWnd      int    `json:"sndwnd"`
	RcvWnd      int    `json:"rcvwnd"`
	DataShard   int    `json:"datashard"`
	ParityShard int    `json:"parityshard"`
	DSCP        int    `json:"dscp"`
	NoComp      bool   `json:"nocomp"`
	AckNodelay  bool   `json:"acknodelay"`
	NoDelay     int    `json:"nodelay"`
	Interval    int    `json:"interval"`
	Resend      int    `json:"resend"`
	NoCongestion int   `json:"nc"`
	SockBuf     int    `json:"sockbuf"`
	SmuxBuf     int    `json:"smuxbuf"`
	StreamBuf   int    `json:"streambuf"`
	FrameSize   int    `json:"framesize"`
	SmuxVer     int    `json:"smuxver"`
	KeepAlive   int    `json:"keepalive"`
	Log         string `json:"log"`
	SnmpLog     string `json:"snmplog"`
	SnmpPeriod  int    `json:"snmpperiod"`
	Quiet       bool   `json:"quiet"`
	TCP         bool   `json:"tcp"`
	Pprof       bool   `json:"pprof"`
	QPP         bool   `json:"qpp"`
	QPPCount    int    `json:"qpp-count"`
	CloseWait   int    `json:"closewait"`

	// RateLimit is the legacy packet-pacing knob applied to the whole KCP
	// conversation (kcp.UDPSession.SetRateLimit), kept for backward
	// compatibility with existing configs.
	RateLimit int `json:"ratelimit"`

	// RateLimitBurst/RateLimitTickMS configure a per-smux-stream
	// token-bucket limiter (see ratelim.Config) whose rate is RateLimit. A
	// zero burst defaults to RateLimit (no burst above the steady rate).
	RateLimitBurst  int `json:"ratelimit-burst"`
	RateLimitTickMS int `json:"ratelimit-tick-ms"`

	// Group, when true, shares one ratelim.Group across every stream
	// multiplexed over a single kcp conversation instead of limiting each
	// stream independently.
	Group              bool `json:"group"`
	GroupRateLimit     int  `json:"group-ratelimit"`
	GroupRateLimitBurst int `json:"group-ratelimit-burst"`
	GroupMinShare      int  `json:"group-min-share"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
