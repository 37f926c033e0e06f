package main

import (
	"crypto/tls"
	"fmt"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/jcserv/homelab/pkg/config"
	"github.com/jcserv/homelab/pkg/epochstore"
)

func dialEtcd(cfg *config.Config) (*clientv3.Client, error) {
	tlsConfig, err := etcdTLS(cfg.Etcd.TLS)
	if err != nil {
		return nil, err
	}
	return epochstore.NewClient(cfg.Etcd.Endpoints, 0, tlsConfig)
}

func etcdTLS(c *config.EtcdTLSConfig) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		TrustedCAFile:      c.CAFile,
		InsecureSkipVerify: c.Insecure,
	}
	tlsConfig, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load etcd tls: %w", err)
	}
	return tlsConfig, nil
}
