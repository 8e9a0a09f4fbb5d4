// Copyright © 2025 The mtv-e2e authors

// Package k8sutils builds the cluster client the suite drives MTV through
// and provides the polling primitives every wait in the suite is built on.
package k8sutils

import (
	forkliftv1beta1 "github.com/kubev2v/forklift/pkg/apis/forklift/v1beta1"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	nadv1 "github.com/k8snetworkplumbingwg/network-attachment-definition-client/pkg/apis/k8s.cni.cncf.io/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
)

// NewScheme returns a scheme containing every API group the suite touches:
// core resources, the MTV CRs, KubeVirt workloads, CDI volumes and multus
// network attachment definitions.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(forkliftv1beta1.SchemeBuilder.AddToScheme(scheme))
	utilruntime.Must(kubevirtv1.AddToScheme(scheme))
	utilruntime.Must(cdiv1beta1.AddToScheme(scheme))
	utilruntime.Must(nadv1.AddToScheme(scheme))
	return scheme
}

// NewClient builds a controller-runtime client for the cluster under test.
// A kubeconfig path takes precedence, otherwise in-cluster config is used so
// the suite can run as a cluster job.
func NewClient(kubeconfig string) (client.Client, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load kubeconfig %s", kubeconfig)
		}
	} else {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get in-cluster config")
		}
	}
	cli, err := client.New(restCfg, client.Options{Scheme: NewScheme()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cluster client")
	}
	return cli, nil
}
