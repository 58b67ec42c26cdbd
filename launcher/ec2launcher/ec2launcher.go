// Package ec2launcher launches each worker on its own EC2 instance. The
// instance's user data exports the worker environment and runs the worker
// command, and the instance terminates itself when the worker exits.
package ec2launcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/launcher"
)

const Type = "ec2"

// Tags put on every instance.
const (
	SessionTagKey = "corral-session"
	WorkerTagKey  = "corral-worker"
)

type Config struct {
	Region                string `json:"region" yaml:"region"`
	ImageID               string `json:"imageId" yaml:"imageId"`
	InstanceType          string `json:"instanceType" yaml:"instanceType"`
	SubnetID              string `json:"subnetId" yaml:"subnetId"`
	SecurityGroupID       string `json:"securityGroupId" yaml:"securityGroupId"`
	IamInstanceProfileArn string `json:"iamInstanceProfileArn" yaml:"iamInstanceProfileArn"`
	KeyName               string `json:"keyName" yaml:"keyName"`
}

func (c Config) String() string {
	return fmt.Sprintf("EC2 Launcher Config:\n\tRegion: %s\n\tImageID: %s\n\tInstanceType: %s\n\tSubnetID: %s",
		c.Region, c.ImageID, c.InstanceType, c.SubnetID)
}

// Launcher runs instances through the EC2 API.
type Launcher struct {
	cfg    Config
	client ec2iface.EC2API
}

// New builds a launcher with an EC2 client for cfg.Region. Credentials come
// from the usual AWS chain.
func New(cfg Config) (*Launcher, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return NewWithClient(cfg, ec2.New(sess)), nil
}

func NewWithClient(cfg Config, client ec2iface.EC2API) *Launcher {
	return &Launcher{cfg: cfg, client: client}
}

func (l *Launcher) Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	if count <= 0 {
		return nil, nil
	}
	imageID := firstNonEmpty(spec.Image, l.cfg.ImageID)
	instanceType := firstNonEmpty(spec.InstanceType, l.cfg.InstanceType)
	if imageID == "" || instanceType == "" {
		return nil, errors.New("ec2 launcher needs an image id and an instance type")
	}

	handles := []coord.WorkerHandle{}
	// One request per worker so each instance gets its own index in the user data.
	for i := 0; i < count; i++ {
		index := spec.FirstIndex + i
		input := &ec2.RunInstancesInput{
			ImageId:                           aws.String(imageID),
			InstanceType:                      aws.String(instanceType),
			InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorTerminate),
			MinCount:                          aws.Int64(1),
			MaxCount:                          aws.Int64(1),
			UserData:                          aws.String(base64.StdEncoding.EncodeToString(UserData(sessionID, index, spec))),
			TagSpecifications: []*ec2.TagSpecification{
				{
					ResourceType: aws.String("instance"),
					Tags:         tags(sessionID, spec.Labels),
				},
			},
		}
		if l.cfg.KeyName != "" {
			input.KeyName = aws.String(l.cfg.KeyName)
		}
		if l.cfg.SubnetID != "" || l.cfg.SecurityGroupID != "" {
			nic := &ec2.InstanceNetworkInterfaceSpecification{
				DeleteOnTermination: aws.Bool(true),
				DeviceIndex:         aws.Int64(0),
			}
			if l.cfg.SubnetID != "" {
				nic.SubnetId = aws.String(l.cfg.SubnetID)
			}
			if l.cfg.SecurityGroupID != "" {
				nic.Groups = []*string{aws.String(l.cfg.SecurityGroupID)}
			}
			input.NetworkInterfaces = []*ec2.InstanceNetworkInterfaceSpecification{nic}
		}
		if l.cfg.IamInstanceProfileArn != "" {
			input.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{
				Arn: aws.String(l.cfg.IamInstanceProfileArn),
			}
		}

		res, err := l.client.RunInstancesWithContext(ctx, input)
		if err != nil {
			return handles, errors.Wrapf(err, "running instance for worker %d of %d", i, count)
		}
		for _, inst := range res.Instances {
			id := aws.StringValue(inst.InstanceId)
			handles = append(handles, coord.WorkerHandle{Launcher: Type, ID: id, Index: index})
			log.WithFields(
				log.Fields{
					"sessionID":  sessionID,
					"index":      index,
					"instanceID": id,
				}).Info("Launched EC2 worker")
		}
	}
	return handles, nil
}

func (l *Launcher) Stop(ctx context.Context, handle coord.WorkerHandle) error {
	_, err := l.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(handle.ID)},
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "InvalidInstanceID.NotFound" {
		return nil
	}
	return errors.Wrapf(err, "terminating instance %s", handle.ID)
}

func tags(sessionID string, labels map[string]string) []*ec2.Tag {
	out := []*ec2.Tag{
		{Key: aws.String("Name"), Value: aws.String("corral-worker-" + sessionID)},
		{Key: aws.String(SessionTagKey), Value: aws.String(sessionID)},
		{Key: aws.String(WorkerTagKey), Value: aws.String("true")},
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, &ec2.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return out
}

// UserData is the boot script for one worker instance.
func UserData(sessionID string, index int, spec coord.WorkerSpec) []byte {
	argv := spec.Command
	if len(argv) == 0 {
		argv = []string{"corral-worker"}
	}
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, kv := range launcher.EnvList(launcher.WorkerEnv(sessionID, index, spec)) {
		parts := strings.SplitN(kv, "=", 2)
		fmt.Fprintf(&b, "export %s=%s\n", parts[0], shellQuote(parts[1]))
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	b.WriteString(strings.Join(quoted, " "))
	b.WriteString("\nshutdown -h now\n")
	return []byte(b.String())
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
