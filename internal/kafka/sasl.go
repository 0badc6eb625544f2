package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SASL 认证机制
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// SHA256 SCRAM-SHA-256 哈希
var SHA256 scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }

// SHA512 SCRAM-SHA-512 哈希
var SHA512 scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }

// SASLConfig broker 认证配置，为 nil 或未启用时使用明文连接
type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

// scramClient 实现 sarama.SCRAMClient
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	HashGeneratorFcn scram.HashGeneratorFcn
}

func (x *scramClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.Client = client
	x.ClientConversation = client.NewConversation()
	return nil
}

func (x *scramClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *scramClient) Done() bool {
	return x.ClientConversation.Done()
}

// applySASL 生产者与消费者共用的认证设置
func applySASL(config *sarama.Config, cfg *SASLConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	config.Net.SASL.Enable = true
	config.Net.SASL.User = cfg.Username
	config.Net.SASL.Password = cfg.Password

	switch cfg.Mechanism {
	case MechanismSCRAMSHA256:
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: SHA256}
		}
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
	case MechanismSCRAMSHA512:
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: SHA512}
		}
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
	case MechanismPlain, "":
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", cfg.Mechanism)
	}
	return nil
}
