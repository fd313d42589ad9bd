// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

// This file implements the interactive administration prompt.

package fluidmem

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/intel/fluidmem/pkg/log"
)

type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

type Prompt struct {
	r      *bufio.Reader
	w      *bufio.Writer
	f      *flag.FlagSet
	engine *Engine
	cmds   map[string]Cmd
	ps1    string
	echo   bool
	pipes  bool
	quit   bool
}

type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
	csError
)

func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer, engine *Engine) *Prompt {
	p := Prompt{
		r:      reader,
		w:      writer,
		ps1:    ps1,
		engine: engine,
	}
	p.cmds = map[string]Cmd{
		"q":            {"quit interactive prompt.", p.cmdQuit},
		"stop":         {"stop the daemon.", p.cmdStop},
		"stats":        {"print statistics.", p.cmdStats},
		"clearstats":   {"reset statistics.", p.cmdClearStats},
		"evict":        {"evict least recently used pages.", p.cmdEvict},
		"resize":       {"change the number of resident pages.", p.cmdResize},
		"cache-resize": {"change the number of cached pages.", p.cmdCacheResize},
		"disconnect":   {"tear down the regions of a process.", p.cmdDisconnect},
		"listpids":     {"list registered regions.", p.cmdListPids},
		"usage":        {"print store usage.", p.cmdUsage},
		"flush":        {"tear down regions of dead processes.", p.cmdFlush},
		"config":       {"print or change engine configuration.", p.cmdConfig},
		"debug":        {"toggle debug logging.", p.cmdDebug},
		"help":         {"print help.", p.cmdHelp},
		"nop":          {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	p.f.SetOutput(p.w)
	cmd, ok := p.cmds[cmdSlice[0]]
	if !ok {
		if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
		return csUnknownCommand
	}
	return cmd.Run(cmdSlice[1:])
}

func (p *Prompt) RunCmdString(cmdString string) CommandStatus {
	// If command has "|", run the right-hand-side of the pipe in a
	// shell and pipe the output of the left-hand-side command to it.
	origOutputWriter := p.w
	pipeCmd := ""
	if pipeIndex := strings.Index(cmdString, "|"); pipeIndex > -1 {
		if !p.pipes {
			p.output("pipes are not allowed\n")
			return csPipeCreateError
		}
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Fields(cmdString)
	if len(cmdSlice) == 0 {
		cmdSlice = []string{""}
	}

	var (
		pipeProcess *exec.Cmd
		pipeInput   io.WriteCloser
	)
	if pipeCmd != "" {
		var err error
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			p.output("failed to create pipe for command %q\n", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		if err := pipeProcess.Start(); err != nil {
			p.output("failed to start: sh -c %q: %s\n", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		p.w = bufio.NewWriter(pipeInput)
	}
	runRv := p.RunCmdSlice(cmdSlice)
	if pipeCmd != "" {
		p.w.Flush()
		pipeInput.Close()
		pipeProcess.Wait()
		p.w = origOutputWriter
		p.w.Flush()
	}
	return runRv
}

func (p *Prompt) Interact() {
	for !p.quit {
		p.output(p.ps1)
		cmdString, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", cmdString)
		}
		p.RunCmdString(cmdString)
	}
	p.output("quit.\n")
}

func (p *Prompt) SetEcho(newEcho bool) {
	p.echo = newEcho
}

// SetPipes allows piping command output to shell commands.
func (p *Prompt) SetPipes(allow bool) {
	p.pipes = allow
}

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prompt) cmdHelp(args []string) CommandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-12s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	if p.pipes {
		p.output("        [command] | <shell-command>\n")
		p.output("                     pipe command output to shell-command.\n")
	}
	return csOk
}

func (p *Prompt) cmdNop(args []string) CommandStatus {
	return csOk
}

func (p *Prompt) cmdQuit(args []string) CommandStatus {
	p.quit = true
	return csOk
}

func (p *Prompt) cmdStop(args []string) CommandStatus {
	p.output("stopping daemon\n")
	p.engine.RequestShutdown(nil)
	p.quit = true
	return csOk
}

func (p *Prompt) cmdStats(args []string) CommandStatus {
	state := p.engine.State()
	p.output(p.engine.Stats().Summarize() + "\n")
	p.output("table: engine\n")
	p.output(" regions     lru lru-cap   cache cache-cap   pages  writes prefetch\n")
	p.output("%8d %7d %7d %7d %9d %7d %7d %8d\n",
		state.Regions,
		state.LRUSize,
		state.LRUCapacity,
		state.CacheSize,
		state.CacheCapacity,
		state.Pages,
		state.WriteList,
		state.PrefetchList)
	return csOk
}

func (p *Prompt) cmdClearStats(args []string) CommandStatus {
	p.engine.Stats().Clear()
	return csOk
}

func (p *Prompt) cmdEvict(args []string) CommandStatus {
	pages := p.f.Int("pages", 1, "evict NUM least recently used pages")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pages < 1 {
		p.output("invalid number of pages %d\n", *pages)
		return csError
	}
	p.output("evicted %d pages\n", p.engine.Evict(*pages))
	return csOk
}

func (p *Prompt) cmdResize(args []string) CommandStatus {
	pages := p.f.Int("pages", -1, "keep NUM pages resident")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pages < 0 {
		p.output("missing -pages NUM\n")
		return csError
	}
	if err := p.engine.ResizeLRU(*pages); err != nil {
		p.output("failed to resize LRU: %v\n", err)
		return csError
	}
	p.output("LRU resized to %d pages\n", *pages)
	return csOk
}

func (p *Prompt) cmdCacheResize(args []string) CommandStatus {
	pages := p.f.Int("pages", -1, "cache NUM pages")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pages < 0 {
		p.output("missing -pages NUM\n")
		return csError
	}
	if err := p.engine.ResizeCache(*pages); err != nil {
		p.output("failed to resize page cache: %v\n", err)
		return csError
	}
	p.output("page cache resized to %d pages\n", *pages)
	return csOk
}

func (p *Prompt) cmdDisconnect(args []string) CommandStatus {
	pid := p.f.Int("pid", -1, "tear down regions of PID")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *pid < 1 {
		p.output("missing -pid PID\n")
		return csError
	}
	cnt, err := p.engine.DisconnectPid(context.Background(), *pid)
	if err != nil {
		p.output("failed to disconnect pid %d: %v\n", *pid, err)
		return csError
	}
	p.output("disconnected %d regions of pid %d\n", cnt, *pid)
	return csOk
}

func (p *Prompt) cmdListPids(args []string) CommandStatus {
	infos := p.engine.ListPids()
	p.output("     pid region           upid\n")
	for _, info := range infos {
		p.output("%8d %-16s %s\n", info.Pid, info.ID, info.UPID.Describe())
	}
	return csOk
}

func (p *Prompt) cmdUsage(args []string) CommandStatus {
	usage, err := p.engine.Usage()
	if err != nil {
		p.output("failed to get store usage: %v\n", err)
		return csError
	}
	if usage == nil {
		p.output("no regions registered\n")
		return csOk
	}
	p.output("server                   capacity[M]  used[M]  free[M]\n")
	for _, u := range usage {
		p.output("%-24s %11d %8d %8d\n", u.Server, u.Capacity>>20, u.Used>>20, u.Free>>20)
	}
	return csOk
}

func (p *Prompt) cmdFlush(args []string) CommandStatus {
	cnt, err := p.engine.PurgeDead(context.Background())
	if err != nil {
		p.output("failed to purge dead regions: %v\n", err)
		return csError
	}
	p.output("purged %d regions\n", cnt)
	return csOk
}

func (p *Prompt) cmdConfig(args []string) CommandStatus {
	set := p.f.String("set", "", "reconfigure engine with JSON string")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *set != "" {
		if err := p.engine.SetConfigJson(*set); err != nil {
			p.output("failed to set configuration: %v\n", err)
			return csError
		}
	}
	data, err := json.MarshalIndent(p.engine.GetConfig(), "", "  ")
	if err != nil {
		p.output("failed to dump configuration: %v\n", err)
		return csError
	}
	p.output("%s\n", data)
	return csOk
}

func (p *Prompt) cmdDebug(args []string) CommandStatus {
	on := p.f.Bool("on", false, "enable debug logging")
	off := p.f.Bool("off", false, "disable debug logging")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	enable := !log.DebugEnabled()
	switch {
	case *on && *off:
		p.output("use either -on or -off\n")
		return csError
	case *on:
		enable = true
	case *off:
		enable = false
	}
	if enable {
		logger.SetDebug("*")
	} else {
		logger.SetDebug("")
	}
	p.output("debug logging %s\n", map[bool]string{true: "on", false: "off"}[log.DebugEnabled()])
	return csOk
}

// Console serves prompts to TCP connections.
type Console struct {
	sync.Mutex
	engine   *Engine
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewConsole creates a console listening on addr.
func NewConsole(addr string, engine *Engine) (*Console, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return &Console{
		engine:   engine,
		listener: l,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the address the console listens on.
func (c *Console) Addr() net.Addr {
	return c.listener.Addr()
}

// Start starts accepting connections.
func (c *Console) Start() {
	log.Info("console listening on %s", c.listener.Addr())
	c.wg.Add(1)
	go c.accept()
}

// Stop closes the listener and all connections.
func (c *Console) Stop() {
	c.listener.Close()
	c.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.Unlock()
	c.wg.Wait()
}

func (c *Console) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("console: accept failed: %v", err)
			}
			return
		}

		c.Lock()
		c.conns[conn] = struct{}{}
		c.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Console) serve(conn net.Conn) {
	defer func() {
		c.Lock()
		delete(c.conns, conn)
		c.Unlock()
		conn.Close()
		c.wg.Done()
	}()

	log.Debug("console: connection from %s", conn.RemoteAddr())
	p := NewPrompt("fluidmem> ", bufio.NewReader(conn), bufio.NewWriter(conn), c.engine)
	p.Interact()
}
