package protocol

import (
	"fmt"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// collection feed frames are the document store listen messages.
// Each websocket binary frame carries one protobuf message. The client opens
// the stream with a `ListenRequest` that adds one target, then only reads
// `ListenResponse` frames until it removes the target and closes.

type ListenRequest = firestorepb.ListenRequest
type ListenResponse = firestorepb.ListenResponse
type Target = firestorepb.Target
type TargetChange = firestorepb.TargetChange
type TargetChangeType = firestorepb.TargetChange_TargetChangeType
type DocumentChange = firestorepb.DocumentChange
type DocumentDelete = firestorepb.DocumentDelete
type DocumentRemove = firestorepb.DocumentRemove
type ExistenceFilter = firestorepb.ExistenceFilter
type StructuredQuery = firestorepb.StructuredQuery
type Status = status.Status

const (
	TargetChangeNoChange = firestorepb.TargetChange_NO_CHANGE
	TargetChangeAdd      = firestorepb.TargetChange_ADD
	TargetChangeRemove   = firestorepb.TargetChange_REMOVE
	TargetChangeCurrent  = firestorepb.TargetChange_CURRENT
	TargetChangeReset    = firestorepb.TargetChange_RESET
)

// selects every document of the collection directly under the parent
func CollectionQuery(collectionId string) *StructuredQuery {
	return &StructuredQuery{
		From: []*firestorepb.StructuredQuery_CollectionSelector{
			{CollectionId: collectionId},
		},
	}
}

// `resumeToken` may be empty to start from the current state
func NewQueryTarget(targetId int32, parent string, query *StructuredQuery, resumeToken []byte, once bool) *Target {
	target := &Target{
		TargetId: targetId,
		Once:     once,
		TargetType: &firestorepb.Target_Query{
			Query: &firestorepb.Target_QueryTarget{
				Parent: parent,
				QueryType: &firestorepb.Target_QueryTarget_StructuredQuery{
					StructuredQuery: query,
				},
			},
		},
	}
	if 0 < len(resumeToken) {
		target.ResumeType = &firestorepb.Target_ResumeToken{
			ResumeToken: resumeToken,
		}
	}
	return target
}

func NewAddTargetRequest(database string, labels map[string]string, target *Target) *ListenRequest {
	return &ListenRequest{
		Database: database,
		Labels:   labels,
		TargetChange: &firestorepb.ListenRequest_AddTarget{
			AddTarget: target,
		},
	}
}

func NewRemoveTargetRequest(database string, targetId int32) *ListenRequest {
	return &ListenRequest{
		Database: database,
		TargetChange: &firestorepb.ListenRequest_RemoveTarget{
			RemoveTarget: targetId,
		},
	}
}

func NewTargetChangeResponse(change *TargetChange) *ListenResponse {
	return &ListenResponse{
		ResponseType: &firestorepb.ListenResponse_TargetChange{
			TargetChange: change,
		},
	}
}

func NewDocumentChangeResponse(document *Document, targetIds ...int32) *ListenResponse {
	return &ListenResponse{
		ResponseType: &firestorepb.ListenResponse_DocumentChange{
			DocumentChange: &DocumentChange{
				Document:  document,
				TargetIds: targetIds,
			},
		},
	}
}

func NewDocumentDeleteResponse(name string, readTime *timestamppb.Timestamp) *ListenResponse {
	return &ListenResponse{
		ResponseType: &firestorepb.ListenResponse_DocumentDelete{
			DocumentDelete: &DocumentDelete{
				Document: name,
				ReadTime: readTime,
			},
		},
	}
}

func NewDocumentRemoveResponse(name string, readTime *timestamppb.Timestamp) *ListenResponse {
	return &ListenResponse{
		ResponseType: &firestorepb.ListenResponse_DocumentRemove{
			DocumentRemove: &DocumentRemove{
				Document: name,
				ReadTime: readTime,
			},
		},
	}
}

func NewFilterResponse(targetId int32, count int32) *ListenResponse {
	return &ListenResponse{
		ResponseType: &firestorepb.ListenResponse_Filter{
			Filter: &ExistenceFilter{
				TargetId: targetId,
				Count:    count,
			},
		},
	}
}

func EncodeListenRequest(req *ListenRequest) ([]byte, error) {
	return proto.Marshal(req)
}

func DecodeListenRequest(b []byte) (*ListenRequest, error) {
	req := &ListenRequest{}
	if err := proto.Unmarshal(b, req); err != nil {
		return nil, err
	}
	return req, nil
}

func EncodeListenResponse(res *ListenResponse) ([]byte, error) {
	return proto.Marshal(res)
}

func DecodeListenResponse(b []byte) (*ListenResponse, error) {
	res := &ListenResponse{}
	if err := proto.Unmarshal(b, res); err != nil {
		return nil, err
	}
	if res.GetResponseType() == nil {
		return nil, fmt.Errorf("Listen response has no content.")
	}
	return res, nil
}
