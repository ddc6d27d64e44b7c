// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sshexecutor runs shell commands on cluster nodes over a
// long-lived multiplexed SSH session.
package sshexecutor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/skyferry/skyferry/lib/cluster"
	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("node has no address")

// New returns a new Executor targeting the given node.
func New(target cluster.Runner) *Executor {
	return &Executor{target: target}
}

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a cluster node. It reconnects automatically after
// errors.
//
// The first host key offered by the node is accepted and pinned;
// subsequent connections must present the same key. Cluster nodes are
// created from trusted images moments before the first connection, so
// there is no out-of-band key to check against.
//
// An Executor must not be copied.
type Executor struct {
	target  cluster.Runner
	signers []ssh.Signer
	mtx     sync.RWMutex // controls access to target and signers

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once     // initialized private state
	clientSetup chan bool     // len>0 while client setup is in progress
	hostKey     ssh.PublicKey // pinned host key, if any
}

// SetSigners updates the set of private keys that will be offered to
// the node next time the Executor sets up a new connection.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTarget sets the current target. The new target will be used next
// time a new connection is set up; until then, the Executor will
// continue to use the existing target.
//
// The new target is assumed to represent the same node as the previous
// target, although its address might differ after a restart.
func (exr *Executor) SetTarget(target cluster.Runner) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = target
}

// Target returns the current target.
func (exr *Executor) Target() cluster.Runner {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Execute runs cmd on the node. If an existing connection is not
// usable, it sets up a new connection to the current target.
func (exr *Executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connections.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// TargetHostPort returns the address and port of the current target.
func (exr *Executor) TargetHostPort() (string, string) {
	target := exr.Target()
	if target.Address == "" {
		return "", ""
	}
	port := target.Port
	if port == 0 {
		port = 22
	}
	return target.Address, fmt.Sprintf("%d", port)
}

// Create a new SSH client.
func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.TargetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	var receivedKey ssh.PublicKey
	exr.mtx.RLock()
	signers := exr.signers
	exr.mtx.RUnlock()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.Target().User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: time.Minute,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}

	if exr.hostKey != nil && !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		client.Close()
		return nil, errors.New("host key changed since first connection")
	}
	exr.hostKey = receivedKey
	return client, nil
}
