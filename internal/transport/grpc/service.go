package grpc

import (
	"context"

	"google.golang.org/grpc"

	"slotbook/internal/domain"
)

const ServiceName = "slotbook.v1.SlotBooking"

type BookingDetails struct {
	BookingID    string `json:"bookingId"`
	PatientName  string `json:"patientName"`
	PatientEmail string `json:"patientEmail"`
	PatientPhone string `json:"patientPhone,omitempty"`
	ServiceType  string `json:"serviceType"`
	Notes        string `json:"notes,omitempty"`
}

type BookSlotRequest struct {
	Date    string         `json:"date"`
	Time    string         `json:"time"`
	Booking BookingDetails `json:"booking"`
}

type SlotBookingResponse struct {
	Slot    domain.Slot    `json:"slot"`
	Booking domain.Booking `json:"booking"`
}

type CancelBookingRequest struct {
	SlotKey   string `json:"slotKey"`
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason,omitempty"`
}

type RescheduleBookingRequest struct {
	OldSlotKey string `json:"oldSlotKey"`
	NewSlotKey string `json:"newSlotKey"`
	BookingID  string `json:"bookingId"`
	Reason     string `json:"reason,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type RescheduleBookingResponse struct {
	OldSlot domain.Slot    `json:"oldSlot"`
	NewSlot domain.Slot    `json:"newSlot"`
	Booking domain.Booking `json:"booking"`
}

type BlockSlotsRequest struct {
	SlotKeys  []string `json:"slotKeys"`
	Reason    string   `json:"reason"`
	BlockedBy string   `json:"blockedBy"`
}

type UnblockSlotsRequest struct {
	SlotKeys    []string `json:"slotKeys"`
	Reason      string   `json:"reason,omitempty"`
	UnblockedBy string   `json:"unblockedBy"`
}

type SlotsResponse struct {
	Slots []domain.Slot `json:"slots"`
}

type RejectBookingRequest struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason,omitempty"`
}

type CreateBookingRequest struct {
	PatientName   string `json:"patientName"`
	PatientEmail  string `json:"patientEmail"`
	PatientPhone  string `json:"patientPhone,omitempty"`
	ServiceType   string `json:"serviceType"`
	Notes         string `json:"notes,omitempty"`
	PreferredDate string `json:"preferredDate,omitempty"`
	PreferredTime string `json:"preferredTime,omitempty"`
}

type GetBookingRequest struct {
	BookingID string `json:"bookingId"`
}

type BookingResponse struct {
	Booking domain.Booking `json:"booking"`
}

type GetSlotRequest struct {
	SlotKey string `json:"slotKey"`
}

type SlotResponse struct {
	Slot domain.Slot `json:"slot"`
}

type ListSlotsRequest struct {
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

type SlotBookingServer interface {
	BookSlot(context.Context, *BookSlotRequest) (*SlotBookingResponse, error)
	CancelBooking(context.Context, *CancelBookingRequest) (*SlotBookingResponse, error)
	RescheduleBooking(context.Context, *RescheduleBookingRequest) (*RescheduleBookingResponse, error)
	BlockSlots(context.Context, *BlockSlotsRequest) (*SlotsResponse, error)
	UnblockSlots(context.Context, *UnblockSlotsRequest) (*SlotsResponse, error)
	RejectBooking(context.Context, *RejectBookingRequest) (*BookingResponse, error)
	CreateBooking(context.Context, *CreateBookingRequest) (*BookingResponse, error)
	GetBooking(context.Context, *GetBookingRequest) (*BookingResponse, error)
	GetSlot(context.Context, *GetSlotRequest) (*SlotResponse, error)
	ListSlots(context.Context, *ListSlotsRequest) (*SlotsResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SlotBookingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("BookSlot", SlotBookingServer.BookSlot),
		unary("CancelBooking", SlotBookingServer.CancelBooking),
		unary("RescheduleBooking", SlotBookingServer.RescheduleBooking),
		unary("BlockSlots", SlotBookingServer.BlockSlots),
		unary("UnblockSlots", SlotBookingServer.UnblockSlots),
		unary("RejectBooking", SlotBookingServer.RejectBooking),
		unary("CreateBooking", SlotBookingServer.CreateBooking),
		unary("GetBooking", SlotBookingServer.GetBooking),
		unary("GetSlot", SlotBookingServer.GetSlot),
		unary("ListSlots", SlotBookingServer.ListSlots),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slotbook/v1/slotbook.proto",
}

func RegisterSlotBookingServer(s grpc.ServiceRegistrar, srv SlotBookingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(SlotBookingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SlotBookingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SlotBookingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls the slot booking service over any connection. Every call uses
// the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) BookSlot(ctx context.Context, in *BookSlotRequest, opts ...grpc.CallOption) (*SlotBookingResponse, error) {
	return invoke[SlotBookingResponse](ctx, c, "BookSlot", in, opts...)
}

func (c *Client) CancelBooking(ctx context.Context, in *CancelBookingRequest, opts ...grpc.CallOption) (*SlotBookingResponse, error) {
	return invoke[SlotBookingResponse](ctx, c, "CancelBooking", in, opts...)
}

func (c *Client) RescheduleBooking(ctx context.Context, in *RescheduleBookingRequest, opts ...grpc.CallOption) (*RescheduleBookingResponse, error) {
	return invoke[RescheduleBookingResponse](ctx, c, "RescheduleBooking", in, opts...)
}

func (c *Client) BlockSlots(ctx context.Context, in *BlockSlotsRequest, opts ...grpc.CallOption) (*SlotsResponse, error) {
	return invoke[SlotsResponse](ctx, c, "BlockSlots", in, opts...)
}

func (c *Client) UnblockSlots(ctx context.Context, in *UnblockSlotsRequest, opts ...grpc.CallOption) (*SlotsResponse, error) {
	return invoke[SlotsResponse](ctx, c, "UnblockSlots", in, opts...)
}

func (c *Client) RejectBooking(ctx context.Context, in *RejectBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c, "RejectBooking", in, opts...)
}

func (c *Client) CreateBooking(ctx context.Context, in *CreateBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c, "CreateBooking", in, opts...)
}

func (c *Client) GetBooking(ctx context.Context, in *GetBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c, "GetBooking", in, opts...)
}

func (c *Client) GetSlot(ctx context.Context, in *GetSlotRequest, opts ...grpc.CallOption) (*SlotResponse, error) {
	return invoke[SlotResponse](ctx, c, "GetSlot", in, opts...)
}

func (c *Client) ListSlots(ctx context.Context, in *ListSlotsRequest, opts ...grpc.CallOption) (*SlotsResponse, error) {
	return invoke[SlotsResponse](ctx, c, "ListSlots", in, opts...)
}
