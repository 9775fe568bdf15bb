package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// Route53Registrar publishes each node as an SRV record under a shared
// hosted zone, so Manual Discovery on other nodes can resolve a stable
// DNS name into the current seed set instead of a hardcoded address list.
type Route53Registrar struct {
	client       *route53.Client
	hostedZoneID string
	domainSuffix string
	ttl          int64
}

func NewRoute53Registrar(ctx context.Context, hostedZoneID, domainSuffix string, ttl int64) (*Route53Registrar, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &Route53Registrar{
		client:       route53.NewFromConfig(cfg),
		hostedZoneID: hostedZoneID,
		domainSuffix: strings.TrimSuffix(domainSuffix, "."),
		ttl:          ttl,
	}, nil
}

func (r *Route53Registrar) change(ctx context.Context, action types.ChangeAction, nodeID, targetHost string, port int) error {
	recordName := fmt.Sprintf("%s.%s.", nodeID, r.domainSuffix)
	targetHost = strings.TrimSuffix(targetHost, ".")
	_, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(recordName),
					Type: types.RRTypeSrv,
					TTL:  aws.Int64(r.ttl),
					ResourceRecords: []types.ResourceRecord{{
						Value: aws.String(fmt.Sprintf("0 0 %d %s.", port, targetHost)),
					}},
				},
			}},
		},
	})
	return err
}

func (r *Route53Registrar) RegisterNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return r.change(ctx, types.ChangeActionUpsert, nodeID, targetHost, port)
}

func (r *Route53Registrar) DeregisterNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return r.change(ctx, types.ChangeActionDelete, nodeID, targetHost, port)
}

// RenewNode is a no-op: Route53 records have no lease to renew, only an
// upsert to repeat.
func (r *Route53Registrar) RenewNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return nil
}

func (r *Route53Registrar) Close() error { return nil }
